package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/urfave/cli"
)

// restClient talks to the REST API of hopd.
type restClient struct {
	baseURL string
	http    *http.Client
}

func getClient(ctx *cli.Context) *restClient {
	return &restClient{
		baseURL: "http://" + ctx.GlobalString("restserver"),
		http: &http.Client{
			Timeout: ctx.GlobalDuration("timeout"),
		},
	}
}

// apiError is the error body returned by hopd.
type apiError struct {
	Error string `json:"error"`
}

// do sends a request with an optional JSON body and returns the raw JSON
// response.
func (c *restClient) do(method, path string, query url.Values,
	body interface{}) ([]byte, error) {

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, u, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to reach hopd: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s (%d)", apiErr.Error,
				resp.StatusCode)
		}

		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return respBody, nil
}

// printRespJSON pretty prints a JSON response.
func printRespJSON(resp []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, resp, "", "    "); err != nil {
		fmt.Println("unable to decode response: ", err)
		return
	}

	out.WriteByte('\n')
	_, _ = out.WriteTo(os.Stdout)
}

// call performs a request and prints its response.
func call(ctx *cli.Context, method, path string, query url.Values,
	body interface{}) error {

	resp, err := getClient(ctx).do(method, path, query, body)
	if err != nil {
		return err
	}

	printRespJSON(resp)

	return nil
}
