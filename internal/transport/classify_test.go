package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDoOnce_ClassifiesGatewayTimeoutAsTimeoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	err := c.doOnce(context.Background(), http.MethodGet, srv.URL+"/sync", nil, nil)
	var timeoutErr *TimeoutError
	if !asTimeoutError(err, &timeoutErr) {
		t.Fatalf("expected *TimeoutError for a 504, got %T: %v", err, err)
	}
}

func TestDoOnce_ClassifiesOtherServerErrorsAsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	err := c.doOnce(context.Background(), http.MethodGet, srv.URL+"/sync", nil, nil)
	var connErr *ConnectionError
	if !asConnectionError(err, &connErr) {
		t.Fatalf("expected *ConnectionError for a 502, got %T: %v", err, err)
	}
}

func asTimeoutError(err error, target **TimeoutError) bool {
	te, ok := err.(*TimeoutError)
	if !ok {
		return false
	}
	*target = te
	return true
}

func asConnectionError(err error, target **ConnectionError) bool {
	ce, ok := err.(*ConnectionError)
	if !ok {
		return false
	}
	*target = ce
	return true
}
