package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/protocol"
)

func TestRunner_Info(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info" {
			t.Errorf("path = %s, want /info", r.URL.Path)
		}
		json.NewEncoder(w).Encode(protocol.InfoResponse{ID: "r1", OS: "linux"})
	}))
	defer server.Close()

	info, err := NewRunner(server.URL+"/", nil).Info(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.ID != "r1" || info.OS != "linux" || info.CurrentJob != nil {
		t.Errorf("info = %+v", info)
	}
}

func TestRunner_NonOKIsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "warming up"})
	}))
	defer server.Close()

	_, err := NewRunner(server.URL, nil).Info(context.Background())
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusServiceUnavailable || se.Message != "warming up" {
		t.Errorf("StatusError = %+v", se)
	}
	if IsUnreachable(err) {
		t.Error("a non-200 answer is not a transport failure")
	}
}

func TestRunner_UnreachableWrapsDomainError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	_, err := NewRunner(addr, nil).Info(context.Background())
	if !errors.Is(err, domain.ErrRunnerUnreachable) {
		t.Fatalf("err = %v, want ErrRunnerUnreachable", err)
	}
}

func TestRunner_GetJobNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	_, err := NewRunner(server.URL, nil).GetJob(context.Background(), "job-1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRunner_UploadVersionIsMultipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/versions/upload/abc123" {
			t.Errorf("path = %s", r.URL.Path)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("FormFile: %v", err)
		}
		data, _ := io.ReadAll(f)
		if hdr.Filename != "linux-0.2.0.1.zip" || string(data) != "zipbytes" {
			t.Errorf("got %s with %q", hdr.Filename, data)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	err := NewRunner(server.URL, nil).UploadVersion(context.Background(), "linux-0.2.0.1.zip", "abc123", []byte("zipbytes"))
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunner_AcceptAndSubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.JobRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch r.URL.Path {
		case "/jobs/accept":
			json.NewEncoder(w).Encode(protocol.AcceptResponse{Accepted: req.ID == "free"})
		case "/jobs":
			json.NewEncoder(w).Encode(protocol.CreateJobResponse{
				Created: true,
				Job:     &domain.RunnerJobContext{ID: req.ID, Status: domain.ExecPending},
			})
		}
	}))
	defer server.Close()

	c := NewRunner(server.URL, nil)
	ctx := context.Background()

	acc, err := c.Accept(ctx, protocol.JobRequest{ID: "free"})
	if err != nil || !acc.Accepted {
		t.Fatalf("Accept = %+v, %v", acc, err)
	}
	acc, _ = c.Accept(ctx, protocol.JobRequest{ID: "other"})
	if acc.Accepted {
		t.Error("expected rejection")
	}

	created, err := c.Submit(ctx, protocol.JobRequest{ID: "free"})
	if err != nil || !created.Created || created.Job.ID != "free" {
		t.Fatalf("Submit = %+v, %v", created, err)
	}
}

func TestDispatcher_SubmitAndList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			var req protocol.SubmitJobRequest
			json.NewDecoder(r.Body).Decode(&req)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(domain.TestJob{ID: "j1", TestcaseMark: req.TestcaseMark, Status: domain.JobWaiting})
		case r.Method == http.MethodGet && r.URL.Path == "/jobs":
			if r.URL.Query().Get("status") != "waiting" {
				t.Errorf("status filter = %q", r.URL.Query().Get("status"))
			}
			json.NewEncoder(w).Encode([]domain.TestJob{{ID: "j1"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	d := NewDispatcher(server.URL, nil)
	job, err := d.SubmitJob(context.Background(), protocol.SubmitJobRequest{TestcaseMark: "smoke", RdscoreVersion: "linux-0.2.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if job.ID != "j1" || job.TestcaseMark != "smoke" {
		t.Errorf("job = %+v", job)
	}

	jobs, err := d.ListJobs(context.Background(), domain.JobWaiting)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ListJobs = %v, %v", jobs, err)
	}

	if _, err := d.GetJob(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetJob err = %v, want ErrNotFound", err)
	}
}
