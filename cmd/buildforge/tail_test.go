package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTail(t *testing.T) {
	var gotAuth, gotResume string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotResume = r.Header.Get("Last-Event-ID")
		assert.Equal(t, "/api/jobs/j1/stream", r.URL.Path)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, `id:3`+"\n"+`data:{"seq":3,"type":"codegen_done","message":"Generated 1 code block(s)","payload":{"progress":90}}`+"\n\n")
		fmt.Fprint(w, `id:4`+"\n"+`data:{"seq":4,"type":"job_completed","message":"Build completed","payload":{"progress":100,"status":"success"}}`+"\n\n")
		fmt.Fprint(w, `data:{"type":"stream_end","job_id":"j1","status":"success"}`+"\n\n")
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, tail(context.Background(), &out, srv.URL+"/", "tok", "j1", 2))

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "2", gotResume)
	assert.Contains(t, out.String(), "codegen_done")
	assert.Contains(t, out.String(), "Generated 1 code block(s)")
	assert.Contains(t, out.String(), "100%")
	assert.Contains(t, out.String(), "stream ended: success")
}

func TestTailRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"not authorized for this job","code":"FORBIDDEN"}`)
	}))
	defer srv.Close()

	err := tail(context.Background(), &bytes.Buffer{}, srv.URL, "", "j1", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FORBIDDEN")
}
