package dashboard

import "fmt"

// InvalidReferenceError means a dashboard URL could not be resolved.
type InvalidReferenceError struct {
	URL    string
	Reason string
	Err    error
}

func (e *InvalidReferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid dashboard reference %q: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid dashboard reference %q: %s", e.URL, e.Reason)
}

func (e *InvalidReferenceError) Unwrap() error { return e.Err }

// CatalogFetchError means the dashboard metadata request failed.
// StatusCode is 0 when no HTTP response was received.
type CatalogFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *CatalogFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch dashboard %s: grafana returned %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch dashboard %s: %v", e.URL, e.Err)
}

func (e *CatalogFetchError) Unwrap() error { return e.Err }

// RenderFetchError means the panel render request failed or its body could not be stored.
// StatusCode is 0 when no HTTP response was received.
type RenderFetchError struct {
	PanelID    string
	StatusCode int
	Err        error
}

func (e *RenderFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("render panel %s: grafana returned %d", e.PanelID, e.StatusCode)
	}
	return fmt.Sprintf("render panel %s: %v", e.PanelID, e.Err)
}

func (e *RenderFetchError) Unwrap() error { return e.Err }
