package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	tlsutil "github.com/psantana5/playscope/pkg/tls"
)

var (
	httpClient     *http.Client
	httpClientOnce sync.Once
	httpClientErr  error
)

// GetHTTPClient returns the shared client, trusting --ca-file when set
func GetHTTPClient() (*http.Client, error) {
	httpClientOnce.Do(func() {
		httpClient = &http.Client{Timeout: 30 * time.Second}
		if caFile == "" {
			return
		}
		tlsConfig, err := tlsutil.LoadClientTLSConfig(caFile)
		if err != nil {
			httpClientErr = fmt.Errorf("failed to load CA file: %w", err)
			return
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	})
	return httpClient, httpClientErr
}

// CreateAuthenticatedRequest creates an HTTP request with authentication header if a token is configured
func CreateAuthenticatedRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// apiError is the server's error envelope
type apiError struct {
	Error string `json:"error"`
}

// doJSON sends in (if non-nil) to path and decodes the response into out (if non-nil).
// Any status other than want is returned as an error.
func doJSON(method, path string, in interface{}, want int, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := CreateAuthenticatedRequest(method, GetServerURL()+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client, err := GetHTTPClient()
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != want {
		var e apiError
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("API error (status %d): %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(data))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// render prints v as JSON or YAML when requested, otherwise calls table
func render(v interface{}, table func()) error {
	return renderTo(os.Stdout, v, table)
}

func renderTo(w io.Writer, v interface{}, table func()) error {
	switch outputFormat {
	case "json":
		output, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(w, string(output))
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(toYAMLValue(v)); err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		return encoder.Close()
	default:
		table()
	}
	return nil
}

// toYAMLValue round-trips through JSON so YAML output uses the json field names
func toYAMLValue(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return v
	}
	return generic
}
