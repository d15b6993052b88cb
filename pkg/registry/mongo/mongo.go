// Package mongo is the db.driver=mongodb SubmissionRegistry backend. It
// uses go.mongodb.org/mongo-driver's FindOneAndUpdate for fetchNext and a
// status-filtered UpdateOne for compare-and-swap setStatus: a document's
// per-operation atomicity gives the
// same linearizability guarantee the Postgres backend gets from row locks,
// without needing explicit transactions (spec §4.2).
package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/steep-wms/steep/pkg/domainerrors"
	"github.com/steep-wms/steep/pkg/model"
	"github.com/steep-wms/steep/pkg/registry"
)

// Registry is a MongoDB-backed SubmissionRegistry.
type Registry struct {
	client      *mongo.Client
	submissions *mongo.Collection
	chains      *mongo.Collection
}

// Connect dials uri and returns a Registry using database dbName.
func Connect(ctx context.Context, uri, dbName string) (*Registry, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, domainerrors.StorageUnavailable(err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, domainerrors.StorageUnavailable(err)
	}
	db := client.Database(dbName)
	return &Registry{
		client:      client,
		submissions: db.Collection("submissions"),
		chains:      db.Collection("process_chains"),
	}, nil
}

var _ registry.SubmissionRegistry = (*Registry)(nil)

type submissionDoc struct {
	ID             string                 `bson:"_id"`
	Workflow       model.Workflow         `bson:"workflow"`
	Status         model.SubmissionStatus `bson:"status"`
	StartTime      *time.Time             `bson:"startTime,omitempty"`
	EndTime        *time.Time             `bson:"endTime,omitempty"`
	Results        map[string][]string    `bson:"results,omitempty"`
	ErrorMessage   string                 `bson:"errorMessage,omitempty"`
	ExecutionState map[string]interface{} `bson:"executionState,omitempty"`
	Sequence       int64                  `bson:"sequence"`
}

func (d submissionDoc) toModel() *model.Submission {
	return &model.Submission{
		ID: d.ID, Workflow: d.Workflow, Status: d.Status, StartTime: d.StartTime, EndTime: d.EndTime,
		Results: d.Results, ErrorMessage: d.ErrorMessage, ExecutionState: d.ExecutionState,
	}
}

type chainDoc struct {
	ID                   string                    `bson:"_id"`
	SubmissionID         string                    `bson:"submissionId"`
	Executables          []model.Executable        `bson:"executables"`
	RequiredCapabilities []string                  `bson:"requiredCapabilities"`
	CapabilityKey        string                    `bson:"capabilityKey"`
	Status               model.ProcessChainStatus  `bson:"status"`
	Agent                string                    `bson:"agent,omitempty"`
	StartTime            *time.Time                `bson:"startTime,omitempty"`
	EndTime              *time.Time                `bson:"endTime,omitempty"`
	Results              map[string][]string       `bson:"results,omitempty"`
	ErrorMessage         string                    `bson:"errorMessage,omitempty"`
	Sequence             int64                     `bson:"sequence"`
}

func (d chainDoc) toModel() *model.ProcessChain {
	return &model.ProcessChain{
		ID: d.ID, SubmissionID: d.SubmissionID, Executables: d.Executables, RequiredCapabilities: d.RequiredCapabilities,
		Status: d.Status, Agent: d.Agent, StartTime: d.StartTime, EndTime: d.EndTime, Results: d.Results,
		ErrorMessage: d.ErrorMessage, Sequence: d.Sequence,
	}
}

func (r *Registry) nextSequence(ctx context.Context, coll *mongo.Collection) (int64, error) {
	count, err := coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, err
	}
	return count + 1, nil
}

func (r *Registry) AddSubmission(ctx context.Context, sub *model.Submission) error {
	seq, err := r.nextSequence(ctx, r.submissions)
	if err != nil {
		return domainerrors.StorageUnavailable(err)
	}
	doc := submissionDoc{ID: sub.ID, Workflow: sub.Workflow, Status: sub.Status, Sequence: seq}
	if _, err := r.submissions.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domainerrors.Conflict("submission", sub.ID)
		}
		return domainerrors.StorageUnavailable(err)
	}
	return nil
}

func (r *Registry) FindSubmissionByID(ctx context.Context, id string) (*model.Submission, error) {
	var doc submissionDoc
	err := r.submissions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		return nil, mapMongoErr(err, "submission", id)
	}
	return doc.toModel(), nil
}

func (r *Registry) FindSubmissionsByStatus(ctx context.Context, status model.SubmissionStatus) ([]*model.Submission, error) {
	cur, err := r.submissions.Find(ctx, bson.M{"status": status}, options.Find().SetSort(bson.M{"sequence": 1}))
	if err != nil {
		return nil, domainerrors.StorageUnavailable(err)
	}
	defer cur.Close(ctx)

	var out []*model.Submission
	for cur.Next(ctx) {
		var doc submissionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, domainerrors.StorageUnavailable(err)
		}
		out = append(out, doc.toModel())
	}
	return out, cur.Err()
}

func (r *Registry) CountSubmissions(ctx context.Context, status model.SubmissionStatus) (int, error) {
	n, err := r.submissions.CountDocuments(ctx, bson.M{"status": status})
	if err != nil {
		return 0, domainerrors.StorageUnavailable(err)
	}
	return int(n), nil
}

func (r *Registry) updateSubmission(ctx context.Context, id string, update bson.M) error {
	res, err := r.submissions.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": update})
	if err != nil {
		return domainerrors.StorageUnavailable(err)
	}
	if res.MatchedCount == 0 {
		return domainerrors.NotFound("submission", id)
	}
	return nil
}

func (r *Registry) SetSubmissionStatus(ctx context.Context, id string, status model.SubmissionStatus) error {
	return r.updateSubmission(ctx, id, bson.M{"status": status})
}

func (r *Registry) SetSubmissionStartTime(ctx context.Context, id string, t time.Time) error {
	return r.updateSubmission(ctx, id, bson.M{"startTime": t})
}

func (r *Registry) SetSubmissionEndTime(ctx context.Context, id string, t time.Time) error {
	return r.updateSubmission(ctx, id, bson.M{"endTime": t})
}

func (r *Registry) SetSubmissionResults(ctx context.Context, id string, results map[string][]string) error {
	return r.updateSubmission(ctx, id, bson.M{"results": results})
}

func (r *Registry) GetSubmissionResults(ctx context.Context, id string) (map[string][]string, error) {
	sub, err := r.FindSubmissionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return sub.Results, nil
}

func (r *Registry) SetSubmissionErrorMessage(ctx context.Context, id string, msg string) error {
	return r.updateSubmission(ctx, id, bson.M{"errorMessage": msg})
}

func (r *Registry) SetSubmissionExecutionState(ctx context.Context, id string, state map[string]interface{}) error {
	return r.updateSubmission(ctx, id, bson.M{"executionState": state})
}

func (r *Registry) GetSubmissionExecutionState(ctx context.Context, id string) (map[string]interface{}, error) {
	sub, err := r.FindSubmissionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return sub.ExecutionState, nil
}

// FetchNextSubmission uses FindOneAndUpdate, which Mongo guarantees is
// atomic per document, so the oldest matching submission is never handed to
// two callers.
func (r *Registry) FetchNextSubmission(ctx context.Context, currentStatus, newStatus model.SubmissionStatus) (*model.Submission, error) {
	opts := options.FindOneAndUpdate().SetSort(bson.M{"sequence": 1})
	var doc submissionDoc
	err := r.submissions.FindOneAndUpdate(ctx,
		bson.M{"status": currentStatus},
		bson.M{"$set": bson.M{"status": newStatus}},
		opts,
	).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, domainerrors.StorageUnavailable(err)
	}
	doc.Status = newStatus
	return doc.toModel(), nil
}

func (r *Registry) AddProcessChains(ctx context.Context, chains []*model.ProcessChain) error {
	for _, c := range chains {
		n, err := r.submissions.CountDocuments(ctx, bson.M{"_id": c.SubmissionID})
		if err != nil {
			return domainerrors.StorageUnavailable(err)
		}
		if n == 0 {
			return domainerrors.Validation("addProcessChains: unknown submissionId " + c.SubmissionID)
		}
	}

	docs := make([]interface{}, 0, len(chains))
	for _, c := range chains {
		seq, err := r.nextSequence(ctx, r.chains)
		if err != nil {
			return domainerrors.StorageUnavailable(err)
		}
		docs = append(docs, chainDoc{
			ID: c.ID, SubmissionID: c.SubmissionID, Executables: c.Executables,
			RequiredCapabilities: c.RequiredCapabilities, CapabilityKey: c.CapabilityKey(),
			Status: c.Status, Sequence: seq,
		})
	}
	if _, err := r.chains.InsertMany(ctx, docs); err != nil {
		return domainerrors.StorageUnavailable(err)
	}
	return nil
}

func (r *Registry) findChains(ctx context.Context, filter bson.M) ([]*model.ProcessChain, error) {
	cur, err := r.chains.Find(ctx, filter, options.Find().SetSort(bson.M{"sequence": 1}))
	if err != nil {
		return nil, domainerrors.StorageUnavailable(err)
	}
	defer cur.Close(ctx)

	var out []*model.ProcessChain
	for cur.Next(ctx) {
		var doc chainDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, domainerrors.StorageUnavailable(err)
		}
		out = append(out, doc.toModel())
	}
	return out, cur.Err()
}

func (r *Registry) FindProcessChainsBySubmission(ctx context.Context, submissionID string) ([]*model.ProcessChain, error) {
	return r.findChains(ctx, bson.M{"submissionId": submissionID})
}

func (r *Registry) FindProcessChainsByStatus(ctx context.Context, status model.ProcessChainStatus) ([]*model.ProcessChain, error) {
	return r.findChains(ctx, bson.M{"status": status})
}

func (r *Registry) CountProcessChainsByStatus(ctx context.Context, status model.ProcessChainStatus) (int, error) {
	n, err := r.chains.CountDocuments(ctx, bson.M{"status": status})
	if err != nil {
		return 0, domainerrors.StorageUnavailable(err)
	}
	return int(n), nil
}

func (r *Registry) FetchNextProcessChain(ctx context.Context, currentStatus, newStatus model.ProcessChainStatus, capabilityKeys []string) (*model.ProcessChain, error) {
	filter := bson.M{"status": currentStatus}
	if len(capabilityKeys) > 0 {
		filter["capabilityKey"] = bson.M{"$in": capabilityKeys}
	}
	opts := options.FindOneAndUpdate().SetSort(bson.M{"sequence": 1})
	var doc chainDoc
	err := r.chains.FindOneAndUpdate(ctx, filter, bson.M{"$set": bson.M{"status": newStatus}}, opts).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, domainerrors.StorageUnavailable(err)
	}
	doc.Status = newStatus
	return doc.toModel(), nil
}

func (r *Registry) updateChain(ctx context.Context, id string, update bson.M) error {
	res, err := r.chains.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": update})
	if err != nil {
		return domainerrors.StorageUnavailable(err)
	}
	if res.MatchedCount == 0 {
		return domainerrors.NotFound("processChain", id)
	}
	return nil
}

func (r *Registry) SetProcessChainStatus(ctx context.Context, id string, status model.ProcessChainStatus) error {
	return r.updateChain(ctx, id, bson.M{"status": status})
}

// CompareAndSwapProcessChainStatus filters on the expected status in the
// same UpdateOne call: a zero-match result means either the id
// doesn't exist or the status had already moved, and this call cannot tell
// which without a second read, so it treats both as "swap did not happen".
func (r *Registry) CompareAndSwapProcessChainStatus(ctx context.Context, id string, expected, newStatus model.ProcessChainStatus) (bool, error) {
	res, err := r.chains.UpdateOne(ctx,
		bson.M{"_id": id, "status": expected},
		bson.M{"$set": bson.M{"status": newStatus}})
	if err != nil {
		return false, domainerrors.StorageUnavailable(err)
	}
	return res.ModifiedCount == 1, nil
}

func (r *Registry) SetAllProcessChainStatusBySubmission(ctx context.Context, submissionID string, expected, newStatus model.ProcessChainStatus) (int, error) {
	res, err := r.chains.UpdateMany(ctx,
		bson.M{"submissionId": submissionID, "status": expected},
		bson.M{"$set": bson.M{"status": newStatus}})
	if err != nil {
		return 0, domainerrors.StorageUnavailable(err)
	}
	return int(res.ModifiedCount), nil
}

func (r *Registry) SetProcessChainAgent(ctx context.Context, id string, agent string) error {
	return r.updateChain(ctx, id, bson.M{"agent": agent})
}

func (r *Registry) SetProcessChainStartTime(ctx context.Context, id string, t time.Time) error {
	return r.updateChain(ctx, id, bson.M{"startTime": t})
}

func (r *Registry) SetProcessChainEndTime(ctx context.Context, id string, t time.Time) error {
	return r.updateChain(ctx, id, bson.M{"endTime": t})
}

func (r *Registry) SetProcessChainResults(ctx context.Context, id string, results map[string][]string) error {
	return r.updateChain(ctx, id, bson.M{"results": results})
}

func (r *Registry) GetProcessChainResults(ctx context.Context, id string) (map[string][]string, error) {
	var doc chainDoc
	if err := r.chains.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, mapMongoErr(err, "processChain", id)
	}
	return doc.Results, nil
}

func (r *Registry) SetProcessChainErrorMessage(ctx context.Context, id string, msg string) error {
	return r.updateChain(ctx, id, bson.M{"errorMessage": msg})
}

func (r *Registry) Close() error {
	return r.client.Disconnect(context.Background())
}

func mapMongoErr(err error, resource, id string) error {
	if err == mongo.ErrNoDocuments {
		return domainerrors.NotFound(resource, id)
	}
	return domainerrors.StorageUnavailable(err)
}
