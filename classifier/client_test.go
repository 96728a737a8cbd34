package classifier

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bloomers/domain"
)

func TestClassifyParsesQuestions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/classify" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if _, hdr, err := r.FormFile("file"); err != nil || hdr.Filename != "exam.pdf" {
			t.Errorf("file part missing or misnamed: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"questions":[
			{"number":1,"text":"Define an algorithm.","category":"C1","confidence":0.95},
			{"number":2,"text":"Design a microservice architecture.","category":"C6","confidence":1.2}
		]}`))
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second)
	questions, err := client.Classify(context.Background(), "exam.pdf", strings.NewReader("%PDF-1.4 fake"))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(questions))
	}
	if questions[0].Category != domain.C1 || questions[1].Category != domain.C6 {
		t.Fatalf("unexpected categories: %s / %s", questions[0].Category, questions[1].Category)
	}
	if questions[0].ID == "" || questions[0].ID == questions[1].ID {
		t.Fatalf("expected distinct non-empty ids, got %q / %q", questions[0].ID, questions[1].ID)
	}
	// Out-of-range confidence is clamped.
	if questions[1].Confidence != 1 {
		t.Fatalf("confidence = %v, want 1", questions[1].Confidence)
	}
}

func TestClassifyFillsMissingNumbers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"questions":[
			{"text":"First?","category":"C2","confidence":0.5},
			{"text":"Second?","category":"C3","confidence":0.5}
		]}`))
	}))
	defer srv.Close()

	questions, err := New(srv.URL, time.Second).Classify(context.Background(), "a.pdf", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if questions[0].Number != 1 || questions[1].Number != 2 {
		t.Fatalf("numbers = %d/%d, want 1/2", questions[0].Number, questions[1].Number)
	}
}

func TestClassifyRejectedDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no questions found in document", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Classify(context.Background(), "a.pdf", strings.NewReader("x"))
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if rejected.Status != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rejected.Status)
	}
	if !strings.Contains(rejected.Reason, "no questions found") {
		t.Fatalf("reason = %q", rejected.Reason)
	}
}

func TestClassifyServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Classify(context.Background(), "a.pdf", strings.NewReader("x"))
	if err == nil {
		t.Fatal("expected error")
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		t.Fatalf("5xx must not classify as rejected: %v", err)
	}
}

func TestClassifyRejectsUnknownCategory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"questions":[{"number":1,"text":"Q","category":"C9","confidence":0.9}]}`))
	}))
	defer srv.Close()

	if _, err := New(srv.URL, time.Second).Classify(context.Background(), "a.pdf", strings.NewReader("x")); err == nil {
		t.Fatal("expected error for unknown category")
	}
}
