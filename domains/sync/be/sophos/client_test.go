package sophos

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetchToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		require.Equal(t, "id-1", r.PostForm.Get("client_id"))
		require.Equal(t, "secret-1", r.PostForm.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok-abc","expires_in":3600}`)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURLs(srv.URL, srv.URL))

	tok, err := client.FetchToken(context.Background(), "id-1", "secret-1")
	require.NoError(t, err)
	require.Equal(t, "tok-abc", tok.AccessToken)
	require.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, 5*time.Second)
}

func TestListTenantsFollowsNumberedPages(t *testing.T) {
	var pagesServed []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))
		require.Equal(t, "partner-1", r.Header.Get("X-Partner-ID"))

		page := r.URL.Query().Get("page")
		pagesServed = append(pagesServed, page)

		w.Header().Set("Content-Type", "application/json")
		switch page {
		case "1":
			fmt.Fprint(w, `{"items":[{"id":"t-1","name":"Acme","apiHost":"https://api.eu01"}],"pages":{"current":1,"total":2}}`)
		case "2":
			fmt.Fprint(w, `{"items":[{"id":"t-2","name":"Globex","apiHost":"https://api.us01"}],"pages":{"current":2,"total":2}}`)
		default:
			t.Fatalf("unexpected page %q", page)
		}
	}))
	defer srv.Close()

	client := NewClient(WithBaseURLs(srv.URL, srv.URL))

	tenants, err := client.ListTenants(context.Background(), "tok-abc", "partner-1")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, pagesServed)
	require.Len(t, tenants, 2)
	require.Equal(t, "t-1", tenants[0].ID)
	require.Equal(t, "Globex", tenants[1].Name)
	require.JSONEq(t, `{"id":"t-2","name":"Globex","apiHost":"https://api.us01"}`, string(tenants[1].Raw))
}

func TestListEndpointsSendsTenantHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "t-1", r.Header.Get("X-Tenant-ID"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[
            {"id":"e-1","hostname":"laptop-01","health":{"overall":"good"}},
            {"id":"e-2","hostname":"srv-02","health":{"overall":"bad"}}
        ],"pages":{"current":1,"total":1}}`)
	}))
	defer srv.Close()

	client := NewClient()

	endpoints, err := client.ListEndpoints(context.Background(), "tok-abc", srv.URL, "t-1")
	require.NoError(t, err)
	require.Len(t, endpoints, 2)
	require.True(t, endpoints[0].Protected())
	require.False(t, endpoints[1].Protected())
}

func TestNonSuccessStatusBecomesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate limit exceeded"}`)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURLs(srv.URL, srv.URL))

	_, err := client.ListTenants(context.Background(), "tok-abc", "partner-1")
	require.Error(t, err)
	require.ErrorContains(t, err, "status 429")
	require.ErrorContains(t, err, "rate limit exceeded")
}
