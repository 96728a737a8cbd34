package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"bloomers/domain"
)

func TestContinuationTokenRoundTrip(t *testing.T) {
	token := encodeContinuationToken(to.Ptr("user-1"), to.Ptr("run-42"))
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	pk, rk, err := decodeContinuationToken(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pk != "user-1" || rk != "run-42" {
		t.Fatalf("round trip mismatch: %q / %q", pk, rk)
	}
}

func TestContinuationTokenEmptyKeys(t *testing.T) {
	if token := encodeContinuationToken(nil, nil); token != "" {
		t.Fatalf("expected empty token for nil keys, got %q", token)
	}
	if token := encodeContinuationToken(to.Ptr(""), to.Ptr("rk")); token != "" {
		t.Fatalf("expected empty token for empty partition key, got %q", token)
	}
}

func TestDecodeContinuationTokenRejectsGarbage(t *testing.T) {
	for _, token := range []string{"not-base64!!", "QUJD", "QUJDREVGR0g"} {
		if _, _, err := decodeContinuationToken(token); err == nil {
			t.Fatalf("expected decode failure for %q", token)
		}
	}
}

func TestSanitizeKeyEscapesQuotes(t *testing.T) {
	if got := sanitizeKey("o'brien"); got != "o''brien" {
		t.Fatalf("sanitizeKey = %q", got)
	}
	if got := sanitizeKey("plain"); got != "plain" {
		t.Fatalf("sanitizeKey = %q", got)
	}
}

func TestIsRejectedClassification(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		rejected bool
	}{
		{"not found marker", notFoundError{kind: "question", id: "q1"}, true},
		{"rejected marker", rejectedError{msg: "invalid category"}, true},
		{"response 404", &azcore.ResponseError{StatusCode: http.StatusNotFound}, true},
		{"response 409", &azcore.ResponseError{StatusCode: http.StatusConflict}, true},
		{"response 429 throttle", &azcore.ResponseError{StatusCode: http.StatusTooManyRequests}, false},
		{"response 408 timeout", &azcore.ResponseError{StatusCode: http.StatusRequestTimeout}, false},
		{"response 503", &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}, false},
		{"plain error", errors.New("connection reset"), false},
		{"wrapped marker", errors.Join(errors.New("submit label"), notFoundError{kind: "run", id: "r"}), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRejected(tc.err); got != tc.rejected {
				t.Fatalf("IsRejected(%v) = %v, want %v", tc.err, got, tc.rejected)
			}
		})
	}
}

func TestRunEntityRoundTrip(t *testing.T) {
	run := domain.Run{
		ID:             "run-1",
		Filename:       "exam.pdf",
		FileSize:       2048,
		FileHash:       "abc123",
		Status:         domain.RunCompleted,
		TotalQuestions: 3,
		Counts:         domain.Counts{C1: 1, C4: 2},
		CreatedAt:      1700000000,
	}
	ent := runEntityFrom("user-1", run)
	if ent.PartitionKey != "user-1" || ent.RowKey != "run-1" {
		t.Fatalf("unexpected keys: %s / %s", ent.PartitionKey, ent.RowKey)
	}
	data, err := json.Marshal(ent)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded runEntity
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := decoded.toRun(); got != run {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, run)
	}
}

func TestQuestionPartitionIsolatesRuns(t *testing.T) {
	a := questionPartition("user-1", "run-1")
	b := questionPartition("user-1", "run-2")
	c := questionPartition("user-2", "run-1")
	if a == b || a == c {
		t.Fatalf("partitions must differ: %q %q %q", a, b, c)
	}
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return azqueue.EnqueueMessagesResponse{}, f.err
	}
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func TestEnqueueClassifyJobWrapsEnvelope(t *testing.T) {
	fq := &fakeQueue{}
	store := &Storage{jobQueue: fq}

	job := domain.ClassifyJob{RunID: "run-1", Filename: "exam.pdf", Path: "/uploads/exam.pdf", Enqueued: 123}
	if err := store.EnqueueClassifyJob(context.Background(), "user-1", job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(fq.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fq.messages))
	}
	var env domain.ClassifyJobEnvelope
	if err := json.Unmarshal([]byte(fq.messages[0]), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.UserID != "user-1" || env.Job != job {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestEnqueueClassifyJobPropagatesErrors(t *testing.T) {
	fq := &fakeQueue{err: errors.New("enqueue failure")}
	store := &Storage{jobQueue: fq}
	err := store.EnqueueClassifyJob(context.Background(), "user-1", domain.ClassifyJob{RunID: "r"})
	if err == nil || !strings.Contains(err.Error(), "enqueue failure") {
		t.Fatalf("expected enqueue failure, got %v", err)
	}
}
