// Package wikidata resolves populations for places the bulk dataset
// could not match, via rate-limited SPARQL proximity queries.
package wikidata

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/url"

	"geopop/pkg/request"
)

const sparqlEndpoint = "https://query.wikidata.org/sparql"

// Client executes SPARQL queries.
type Client struct {
	request  *request.Client
	Endpoint string
}

// NewClient creates a new Wikidata client.
func NewClient(r *request.Client) *Client {
	return &Client{
		request:  r,
		Endpoint: sparqlEndpoint,
	}
}

// QuerySPARQL executes a SPARQL query and returns the result bindings.
// Responses are cached locally keyed by a hash of the query text.
func (c *Client) QuerySPARQL(ctx context.Context, query string) ([]binding, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, err
	}

	q := u.Query()
	q.Add("query", query)
	q.Add("format", "json")
	u.RawQuery = q.Encode()

	headers := map[string]string{
		"Accept": "application/sparql-results+json",
	}

	sum := md5.Sum([]byte(query))
	cacheKey := "sparql_" + hex.EncodeToString(sum[:])

	var result sparqlResponse
	if err := c.request.GetJSON(ctx, u.String(), headers, cacheKey, &result); err != nil {
		return nil, err
	}

	return result.Results.Bindings, nil
}

// -- Internal parsing structs --

type sparqlResponse struct {
	Results struct {
		Bindings []binding `json:"bindings"`
	} `json:"results"`
}

type binding map[string]sparqlValue

type sparqlValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func val(b binding, key string) string {
	if v, ok := b[key]; ok {
		return v.Value
	}
	return ""
}
