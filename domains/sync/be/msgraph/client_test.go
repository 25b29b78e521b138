package msgraph

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchTokenUsesTenantEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/azure-tenant-1/oauth2/v2.0/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		require.Equal(t, "https://graph.microsoft.com/.default", r.PostForm.Get("scope"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok-graph","expires_in":3599}`)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURLs(srv.URL, srv.URL))

	tok, err := client.FetchToken(context.Background(), "azure-tenant-1", "id-1", "secret-1")
	require.NoError(t, err)
	require.Equal(t, "tok-graph", tok.AccessToken)
}

func TestListUsersFollowsNextLink(t *testing.T) {
	var srv *httptest.Server
	var requests []string
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-graph", r.Header.Get("Authorization"))
		require.Equal(t, "eventual", r.Header.Get("ConsistencyLevel"))
		requests = append(requests, r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("$skiptoken") == "" {
			fmt.Fprintf(w, `{
                "value":[{"id":"u-1","displayName":"Ada","userPrincipalName":"ada@acme.com","accountEnabled":true}],
                "@odata.nextLink":%q
            }`, srv.URL+"/users?$skiptoken=page2")
		} else {
			fmt.Fprint(w, `{"value":[{"id":"u-2","displayName":"Grace","userPrincipalName":"grace@acme.com","accountEnabled":false}]}`)
		}
	}))
	defer srv.Close()

	client := NewClient(WithBaseURLs(srv.URL, srv.URL))

	users, err := client.ListUsers(context.Background(), "tok-graph")
	require.NoError(t, err)
	require.Len(t, requests, 2)
	require.Len(t, users, 2)
	require.Equal(t, "ada@acme.com", users[0].UserPrincipalName)
	require.False(t, users[1].AccountEnabled)
	require.Contains(t, string(users[0].Raw), `"id":"u-1"`)
}

func TestListSubscribedSkus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/subscribedSkus", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":[
            {"id":"sku-row-1","skuId":"sku-1","skuPartNumber":"O365_BUSINESS","consumedUnits":40,"prepaidUnits":{"enabled":50}}
        ]}`)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURLs(srv.URL, srv.URL))

	skus, err := client.ListSubscribedSkus(context.Background(), "tok-graph")
	require.NoError(t, err)
	require.Len(t, skus, 1)
	require.Equal(t, "O365_BUSINESS", skus[0].SkuPartNumber)
	require.Equal(t, 40, skus[0].ConsumedUnits)
	require.Equal(t, 50, skus[0].PrepaidUnits.Enabled)
}

func TestGraphErrorCarriesStatusAndSnippet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":"Authorization_RequestDenied"}}`)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURLs(srv.URL, srv.URL))

	_, err := client.ListConditionalAccessPolicies(context.Background(), "tok-graph")
	require.Error(t, err)
	require.ErrorContains(t, err, "status 403")
	require.ErrorContains(t, err, "Authorization_RequestDenied")
}
