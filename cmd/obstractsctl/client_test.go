package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestClientSendsTokenAndDecodes(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("expected bearer token, got %q", got)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["type"] != "FEED_INDEX" {
			t.Errorf("expected type FEED_INDEX, got %v", body["type"])
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"job":{"id":"` + id.String() + `","type":"FEED_INDEX","state":"RETRIEVING"}}`))
	}))
	defer srv.Close()

	c := newClient(&clientOptions{baseURL: srv.URL + "/", token: "k"})
	var resp jobResponse
	if err := c.do(context.Background(), "POST", "/v1/jobs", map[string]any{"type": "FEED_INDEX"}, &resp); err != nil {
		t.Fatalf("do error: %v", err)
	}
	if resp.Job == nil || resp.Job.ID != id || resp.Job.State != "RETRIEVING" {
		t.Fatalf("unexpected job: %+v", resp.Job)
	}
}

func TestClientReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"code":"BAD_REQUEST","error":"invalid job request","details":["field 'type' failed on the 'required' tag"]}`))
	}))
	defer srv.Close()

	err := newClient(&clientOptions{baseURL: srv.URL}).do(context.Background(), "POST", "/v1/jobs", map[string]any{}, nil)
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Code != "BAD_REQUEST" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if !strings.Contains(err.Error(), "field 'type'") {
		t.Fatalf("expected details in message, got %q", err.Error())
	}
}

func TestJobsListCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/jobs" || r.URL.Query().Get("state") != "PROCESSING" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_, _ = w.Write([]byte(`{"success":true,"jobs":[]}`))
	}))
	defer srv.Close()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--api", srv.URL, "jobs", "list", "--state", "PROCESSING"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
}
