// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package documents is the built-in document service of document tasks. It
// renders a JSON descriptor of the template and the variables it was filled
// with and keeps the latest rendered documents in memory.
package documents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn"
)

const (
	ContentType = "application/json"
	uriScheme   = "zenworkflow://documents/"
	// DefaultCapacity bounds the rendered documents kept for Get.
	DefaultCapacity = 1024
)

// Descriptor is the content of a rendered document.
type Descriptor struct {
	Id          string         `json:"id"`
	TemplateId  string         `json:"templateId"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Variables   map[string]any `json:"variables"`
}

type Service struct {
	mu       sync.Mutex
	clock    func() time.Time
	capacity int
	order    []string
	content  map[string][]byte
}

// NewService creates a service keeping at most capacity documents, the
// oldest being dropped first.
func NewService(capacity int, clock func() time.Time) *Service {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		clock:    clock,
		capacity: capacity,
		content:  make(map[string][]byte, capacity),
	}
}

func (s *Service) Generate(ctx context.Context, templateId string, variables map[string]any) (bpmn.GeneratedDocument, error) {
	if err := ctx.Err(); err != nil {
		return bpmn.GeneratedDocument{}, err
	}
	if templateId == "" {
		return bpmn.GeneratedDocument{}, fmt.Errorf("document template id is required")
	}
	d := Descriptor{
		Id:          uuid.NewString(),
		TemplateId:  templateId,
		GeneratedAt: s.clock().UTC(),
		Variables:   variables,
	}
	data, err := json.Marshal(d)
	if err != nil {
		return bpmn.GeneratedDocument{}, fmt.Errorf("failed to render document %s: %w", templateId, err)
	}

	s.mu.Lock()
	if len(s.order) == s.capacity {
		delete(s.content, s.order[0])
		s.order = s.order[1:]
	}
	s.order = append(s.order, d.Id)
	s.content[d.Id] = data
	s.mu.Unlock()

	return bpmn.GeneratedDocument{
		Id:          d.Id,
		Uri:         uriScheme + templateId + "/" + d.Id,
		ContentType: ContentType,
		Size:        int64(len(data)),
	}, nil
}

// Get returns the rendered content of a document still held by the service.
func (s *Service) Get(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.content[id]
	return data, ok
}
