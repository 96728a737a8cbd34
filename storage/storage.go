// Package storage persists classification runs and their questions in Azure
// Table Storage and hands classify jobs to an Azure Queue. It is the
// persistence collaborator behind the board's commit operation.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"bloomers/domain"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage provides access to the runs table, the questions table and the
// classify-job queue.
type Storage struct {
	runsTable      *aztables.Client
	questionsTable *aztables.Client
	jobQueue       queueClient
	runPageSize    int
}

// New creates a Storage instance from the given connection string.
func New(connStr, runsTable, questionsTable, jobQueue string, runPageSize int) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	rt := svc.NewClient(runsTable)
	qt := svc.NewClient(questionsTable)
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	jq, err := azqueue.NewQueueClientFromConnectionString(connStr, jobQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	if runPageSize <= 0 {
		runPageSize = 30
	}
	return &Storage{runsTable: rt, questionsTable: qt, jobQueue: jq, runPageSize: runPageSize}, nil
}

type runEntity struct {
	aztables.Entity
	Filename          string `json:"Filename"`
	FileSize          int64  `json:"FileSize"`
	FileHash          string `json:"FileHash"`
	Status            string `json:"Status"`
	TotalQuestions    int    `json:"TotalQuestions"`
	C1Count           int    `json:"C1Count"`
	C2Count           int    `json:"C2Count"`
	C3Count           int    `json:"C3Count"`
	C4Count           int    `json:"C4Count"`
	C5Count           int    `json:"C5Count"`
	C6Count           int    `json:"C6Count"`
	ErrorMessage      string `json:"ErrorMessage"`
	CreatedAt         int64  `json:"CreatedAt"`
	ProcessingSeconds int    `json:"ProcessingSeconds"`
	UploadPath        string `json:"UploadPath"`
}

func (e runEntity) toRun() domain.Run {
	return domain.Run{
		ID:       e.RowKey,
		Filename: e.Filename,
		FileSize: e.FileSize,
		FileHash: e.FileHash,
		Status:   domain.RunStatus(e.Status),
		Counts: domain.Counts{
			C1: e.C1Count, C2: e.C2Count, C3: e.C3Count,
			C4: e.C4Count, C5: e.C5Count, C6: e.C6Count,
		},
		TotalQuestions:    e.TotalQuestions,
		ErrorMessage:      e.ErrorMessage,
		CreatedAt:         e.CreatedAt,
		ProcessingSeconds: e.ProcessingSeconds,
	}
}

func runEntityFrom(userID string, run domain.Run) runEntity {
	return runEntity{
		Entity:            aztables.Entity{PartitionKey: userID, RowKey: run.ID},
		Filename:          run.Filename,
		FileSize:          run.FileSize,
		FileHash:          run.FileHash,
		Status:            string(run.Status),
		TotalQuestions:    run.TotalQuestions,
		C1Count:           run.Counts.C1,
		C2Count:           run.Counts.C2,
		C3Count:           run.Counts.C3,
		C4Count:           run.Counts.C4,
		C5Count:           run.Counts.C5,
		C6Count:           run.Counts.C6,
		ErrorMessage:      run.ErrorMessage,
		CreatedAt:         run.CreatedAt,
		ProcessingSeconds: run.ProcessingSeconds,
	}
}

type questionEntity struct {
	aztables.Entity
	Number             int     `json:"Number"`
	Text               string  `json:"Text"`
	Category           string  `json:"Category"`
	Confidence         float64 `json:"Confidence"`
	ManuallyClassified bool    `json:"ManuallyClassified"`
	PreviousCategory   string  `json:"PreviousCategory"`
}

// questionPartition keeps one run's questions in a single partition so a
// run's full question set is one range query.
func questionPartition(userID, runID string) string {
	return userID + "|" + runID
}

// FetchRuns retrieves one page of the user's runs, newest first. The
// continuation token addresses the next page; an empty token starts from the
// beginning.
func (s *Storage) FetchRuns(ctx context.Context, userID, continuationToken string, limit int) ([]domain.Run, string, error) {
	if limit <= 0 || limit > s.runPageSize {
		limit = s.runPageSize
	}
	filter := "PartitionKey eq '" + sanitizeKey(userID) + "'"
	opts := &aztables.ListEntitiesOptions{
		Filter: &filter,
		Top:    to.Ptr(int32(limit)),
	}
	if continuationToken != "" {
		pk, rk, err := decodeContinuationToken(continuationToken)
		if err != nil {
			return nil, "", invalidTokenError{cause: err}
		}
		opts.NextPartitionKey = &pk
		opts.NextRowKey = &rk
	}

	pager := s.runsTable.NewListEntitiesPager(opts)
	runs := make([]domain.Run, 0, limit)
	nextToken := ""
	if pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, "", err
		}
		for _, raw := range resp.Entities {
			var ent runEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, "", err
			}
			runs = append(runs, ent.toRun())
		}
		nextToken = encodeContinuationToken(resp.NextPartitionKey, resp.NextRowKey)
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt > runs[j].CreatedAt })
	return runs, nextToken, nil
}

// FetchRun retrieves a single run owned by the user.
func (s *Storage) FetchRun(ctx context.Context, userID, runID string) (domain.Run, error) {
	resp, err := s.runsTable.GetEntity(ctx, userID, runID, nil)
	if err != nil {
		if isNotFoundResponse(err) {
			return domain.Run{}, notFoundError{kind: "run", id: runID}
		}
		return domain.Run{}, err
	}
	var ent runEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Run{}, err
	}
	return ent.toRun(), nil
}

// FindRunByHash looks up an existing run with the same file hash, for
// duplicate-upload detection.
func (s *Storage) FindRunByHash(ctx context.Context, userID, hash string) (domain.Run, bool, error) {
	if hash == "" {
		return domain.Run{}, false, nil
	}
	filter := fmt.Sprintf("PartitionKey eq '%s' and FileHash eq '%s'", sanitizeKey(userID), sanitizeKey(hash))
	pager := s.runsTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: to.Ptr(int32(1))})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.Run{}, false, err
		}
		for _, raw := range resp.Entities {
			var ent runEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return domain.Run{}, false, err
			}
			return ent.toRun(), true, nil
		}
	}
	return domain.Run{}, false, nil
}

// InsertRun stores a newly created run. The upload path is recorded on the
// entity only; it never leaves the storage layer except through
// FetchPendingRuns.
func (s *Storage) InsertRun(ctx context.Context, userID string, run domain.Run, uploadPath string) error {
	ent := runEntityFrom(userID, run)
	ent.UploadPath = uploadPath
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := s.runsTable.AddEntity(ctx, payload, nil); err != nil {
		return err
	}
	return nil
}

// FetchPendingRuns scans for runs still waiting for classification and
// rebuilds their queue jobs. Used at worker startup to re-enqueue work that
// was accepted but never reached the queue (crash between insert and
// enqueue) or whose message was lost.
func (s *Storage) FetchPendingRuns(ctx context.Context) ([]domain.ClassifyJobEnvelope, error) {
	filter := "Status eq '" + string(domain.RunPending) + "'"
	pager := s.runsTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	jobs := []domain.ClassifyJobEnvelope{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent runEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			if ent.UploadPath == "" {
				continue
			}
			jobs = append(jobs, domain.ClassifyJobEnvelope{
				UserID: ent.PartitionKey,
				Job: domain.ClassifyJob{
					RunID:    ent.RowKey,
					Filename: ent.Filename,
					Path:     ent.UploadPath,
					Enqueued: ent.CreatedAt,
				},
			})
		}
	}
	return jobs, nil
}

// UpdateRun merges the run's stored state.
func (s *Storage) UpdateRun(ctx context.Context, userID string, run domain.Run) error {
	payload, err := json.Marshal(runEntityFrom(userID, run))
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.runsTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &et,
		UpdateMode: aztables.UpdateModeMerge,
	})
	if err != nil && isNotFoundResponse(err) {
		return notFoundError{kind: "run", id: run.ID}
	}
	return err
}

// DeleteRun removes the run and all of its questions.
func (s *Storage) DeleteRun(ctx context.Context, userID, runID string) error {
	if _, err := s.runsTable.DeleteEntity(ctx, userID, runID, nil); err != nil {
		if isNotFoundResponse(err) {
			return notFoundError{kind: "run", id: runID}
		}
		return err
	}
	pk := questionPartition(userID, runID)
	filter := "PartitionKey eq '" + sanitizeKey(pk) + "'"
	pager := s.questionsTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, raw := range resp.Entities {
			var ent questionEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return err
			}
			if _, err := s.questionsTable.DeleteEntity(ctx, ent.PartitionKey, ent.RowKey, nil); err != nil && !isNotFoundResponse(err) {
				return err
			}
		}
	}
	return nil
}

// FetchQuestions retrieves all questions of a run in display order.
func (s *Storage) FetchQuestions(ctx context.Context, userID, runID string) ([]domain.Question, error) {
	pk := questionPartition(userID, runID)
	filter := "PartitionKey eq '" + sanitizeKey(pk) + "'"
	pager := s.questionsTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	questions := []domain.Question{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent questionEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			questions = append(questions, domain.Question{
				ID:                 ent.RowKey,
				Number:             ent.Number,
				Text:               ent.Text,
				Category:           domain.Category(ent.Category),
				Confidence:         ent.Confidence,
				ManuallyClassified: ent.ManuallyClassified,
				PreviousCategory:   domain.Category(ent.PreviousCategory),
			})
		}
	}
	sort.SliceStable(questions, func(i, j int) bool { return questions[i].Number < questions[j].Number })
	return questions, nil
}

// InsertQuestions stores the classified questions of a run.
func (s *Storage) InsertQuestions(ctx context.Context, userID, runID string, questions []domain.Question) error {
	pk := questionPartition(userID, runID)
	for _, q := range questions {
		ent := questionEntity{
			Entity:             aztables.Entity{PartitionKey: pk, RowKey: q.ID},
			Number:             q.Number,
			Text:               q.Text,
			Category:           string(q.Category),
			Confidence:         q.Confidence,
			ManuallyClassified: q.ManuallyClassified,
			PreviousCategory:   string(q.PreviousCategory),
		}
		payload, err := json.Marshal(ent)
		if err != nil {
			return err
		}
		if _, err := s.questionsTable.UpsertEntity(ctx, payload, nil); err != nil {
			return err
		}
	}
	return nil
}

// SubmitLabel persists a manual label change for one question and refreshes
// the run's per-category counts. It is the board's persistence collaborator:
// idempotent, and its failures classify as rejected (IsRejected) vs
// transient. The returned category is the value actually recorded.
func (s *Storage) SubmitLabel(ctx context.Context, userID, runID, questionID string, category domain.Category) (domain.Category, error) {
	if !category.Valid() {
		return "", rejectedError{msg: fmt.Sprintf("invalid category %q", category)}
	}
	pk := questionPartition(userID, runID)
	resp, err := s.questionsTable.GetEntity(ctx, pk, questionID, nil)
	if err != nil {
		if isNotFoundResponse(err) {
			return "", notFoundError{kind: "question", id: questionID}
		}
		return "", err
	}
	var ent questionEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return "", err
	}
	if ent.Category != string(category) {
		ent.PreviousCategory = ent.Category
		ent.Category = string(category)
		ent.ManuallyClassified = true
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return "", err
	}
	et := azcore.ETagAny
	if _, err := s.questionsTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &et,
		UpdateMode: aztables.UpdateModeMerge,
	}); err != nil {
		if isNotFoundResponse(err) {
			return "", notFoundError{kind: "question", id: questionID}
		}
		return "", err
	}

	if err := s.recalculateCounts(ctx, userID, runID); err != nil {
		return "", err
	}
	return category, nil
}

// recalculateCounts rebuilds the run's per-category tallies from its
// questions, so the run row always reports server-confirmed counts.
func (s *Storage) recalculateCounts(ctx context.Context, userID, runID string) error {
	questions, err := s.FetchQuestions(ctx, userID, runID)
	if err != nil {
		return err
	}
	run, err := s.FetchRun(ctx, userID, runID)
	if err != nil {
		return err
	}
	var counts domain.Counts
	for _, q := range questions {
		counts.Add(q.Category)
	}
	run.Counts = counts
	run.TotalQuestions = len(questions)
	return s.UpdateRun(ctx, userID, run)
}

// EnqueueClassifyJob sends the given job to the classify queue.
func (s *Storage) EnqueueClassifyJob(ctx context.Context, userID string, job domain.ClassifyJob) error {
	env := domain.ClassifyJobEnvelope{UserID: userID, Job: job}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := s.jobQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
		return err
	}
	return nil
}

// sanitizeKey doubles single quotes so user-supplied values cannot break out
// of an OData filter literal.
func sanitizeKey(v string) string {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		if v[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, v[i])
	}
	return string(out)
}

func encodeContinuationToken(partitionKey, rowKey *string) string {
	if partitionKey == nil || rowKey == nil {
		return ""
	}
	if len(*partitionKey) == 0 || len(*rowKey) == 0 {
		return ""
	}
	pk := []byte(*partitionKey)
	rk := []byte(*rowKey)
	data := make([]byte, 8+len(pk)+len(rk))
	binary.BigEndian.PutUint32(data[0:4], uint32(len(pk)))
	binary.BigEndian.PutUint32(data[4:8], uint32(len(rk)))
	copy(data[8:], pk)
	copy(data[8+len(pk):], rk)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeContinuationToken(token string) (string, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", "", err
	}
	if len(data) < 8 {
		return "", "", fmt.Errorf("token too short")
	}
	pkLen := binary.BigEndian.Uint32(data[0:4])
	rkLen := binary.BigEndian.Uint32(data[4:8])
	if uint64(8)+uint64(pkLen)+uint64(rkLen) != uint64(len(data)) {
		return "", "", fmt.Errorf("token length mismatch")
	}
	pk := string(data[8 : 8+pkLen])
	rk := string(data[8+pkLen:])
	if pk == "" || rk == "" {
		return "", "", fmt.Errorf("empty continuation keys")
	}
	return pk, rk, nil
}
