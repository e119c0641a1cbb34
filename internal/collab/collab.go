// Package collab declares the narrow interfaces to the external collaborators
// (language model, mail transport, resource search and document rendering) and
// ships adapters for them.
package collab

import (
	"context"
	"encoding/json"

	"proposalflow/internal/domain"
)

// Inference kinds understood by a Reasoner.
const (
	InferRequirements = "extract_requirements"
	InferValidations  = "plan_validations"
	InferPlan         = "build_plan"
	InferProposal     = "draft_proposal"
)

type Reasoner interface {
	Infer(ctx context.Context, kind string, input any) (json.RawMessage, error)
}

// Message is one outbound notification. Token is the correlation token a reply
// must carry.
type Message struct {
	ProjectID string `json:"project_id"`
	Kind      string `json:"kind"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Token     string `json:"token,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, m Message) (string, error)
}

type Candidate struct {
	domain.ResourceRef
	Score float64 `json:"score"`
}

type ResourceSearcher interface {
	FindCandidates(ctx context.Context, query string, topK int) ([]Candidate, error)
}

// Renderer turns a proposal into a stored document and returns its reference.
type Renderer interface {
	Render(ctx context.Context, projectID string, proposal json.RawMessage) (string, error)
}

// Document is rendered output that still has to be stored.
type Document struct {
	ContentType string
	Body        []byte
}

type DocumentSource interface {
	RenderDocument(ctx context.Context, projectID string, proposal json.RawMessage) (Document, error)
}

// BlobStore keeps rendered documents.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, body []byte) (string, error)
}

// Archived renders through Source and stores the result in Store.
type Archived struct {
	Source DocumentSource
	Store  BlobStore
}

func (a Archived) Render(ctx context.Context, projectID string, proposal json.RawMessage) (string, error) {
	doc, err := a.Source.RenderDocument(ctx, projectID, proposal)
	if err != nil {
		return "", err
	}
	ext := ".bin"
	switch doc.ContentType {
	case "application/pdf":
		ext = ".pdf"
	case "text/html":
		ext = ".html"
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		ext = ".docx"
	}
	ref, err := a.Store.Put(ctx, projectID+"/proposal"+ext, doc.ContentType, doc.Body)
	if err != nil {
		return "", Transient("store document", err)
	}
	return ref, nil
}
