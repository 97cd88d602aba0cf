package gate

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// mockStatusPrefix is the deterministic-testing scheme (spec §4.2):
// "mock://status/NNN" returns status NNN without network I/O.
const mockStatusPrefix = "mock://status/"

// EvalHTTP issues a request to d's configured URL and compares the response
// status to expect_status, or resolves a mock:// URL without touching the
// network.
func EvalHTTP(ctx context.Context, d Def, client *http.Client) (Result, error) {
	url := d.stringField("url", "")
	expectStatus := d.intField("expect_status", 200)
	timeoutMs := d.intField("timeout_ms", 5000)

	if strings.HasPrefix(url, mockStatusPrefix) {
		code, err := strconv.Atoi(strings.TrimPrefix(url, mockStatusPrefix))
		if err != nil {
			return Result{}, fmt.Errorf("gate: invalid mock status url %q: %w", url, err)
		}
		if code != expectStatus {
			return fail(d.Name, fmt.Sprintf("mock status %d does not match expected %d", code, expectStatus)), nil
		}
		return pass(d.Name), nil
	}

	if client == nil {
		client = http.DefaultClient
	}
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	method := d.stringField("method", "GET")
	req, err := http.NewRequestWithContext(reqCtx, method, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("gate: building http request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fail(d.Name, fmt.Sprintf("http request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	audit := map[string]interface{}{"status": resp.StatusCode, "url": url}
	if resp.StatusCode != expectStatus {
		return Result{Name: d.Name, Passed: false, Reason: fmt.Sprintf("http status %d does not match expected %d", resp.StatusCode, expectStatus), Audit: audit}, nil
	}
	return Result{Name: d.Name, Passed: true, Audit: audit}, nil
}
