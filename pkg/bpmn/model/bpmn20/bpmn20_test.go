// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn20

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readTestCase(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("test-cases", name))
	require.NoError(t, err)
	return data
}

func Test_no_expression_when_only_blanks(t *testing.T) {
	// given
	flow := TSequenceFlow{
		ConditionExpression: &TExpression{Text: "   "},
	}
	// when
	result := flow.GetConditionExpression() != ""
	// then
	assert.False(t, result)
}

func Test_has_expression_when_some_characters_present(t *testing.T) {
	// given
	flow := TSequenceFlow{
		ConditionExpression: &TExpression{Text: " =x>y "},
	}
	// when
	result := flow.GetConditionExpression()
	// then
	assert.Equal(t, "=x>y", result)
}

func TestParseImportsModelerDocument(t *testing.T) {
	// when
	p, err := Parse(readTestCase(t, "order_review.bpmn"))

	// then
	require.NoError(t, err)
	assert.Equal(t, "order-review", p.Key)
	assert.Equal(t, "Order review", p.Name)
	g := model.NewGraph(p)

	reserve, ok := g.Node("reserve")
	require.True(t, ok)
	assert.Equal(t, model.NodeTypeServiceTask, reserve.Type)
	assert.Equal(t, "reserve-stock", reserve.TaskType)
	require.NotNil(t, reserve.Retry)
	assert.Equal(t, 3, reserve.Retry.MaxAttempts)

	decide, ok := g.Node("decide")
	require.True(t, ok)
	assert.Equal(t, "to-review", decide.DefaultFlow)

	review, ok := g.Node("review")
	require.True(t, ok)
	require.NotNil(t, review.UserTask)
	assert.Equal(t, []string{"sales", "support"}, review.UserTask.CandidateGroups)
	assert.Equal(t, []string{"alice"}, review.UserTask.CandidateUsers)
	assert.Equal(t, 40, review.UserTask.Priority)
	assert.Equal(t, "review-form", review.UserTask.FormKey)

	remind, ok := g.Node("remind")
	require.True(t, ok)
	assert.Equal(t, "review", remind.AttachedTo)
	assert.False(t, remind.CancelActivity)
	assert.Equal(t, &model.EventDefinition{Kind: model.EventKindSignal, Name: "remind"}, remind.Event)

	timeout, ok := g.Node("timeout")
	require.True(t, ok)
	assert.True(t, timeout.CancelActivity)
	assert.Equal(t, &model.EventDefinition{Kind: model.EventKindTimer, Duration: "PT4H"}, timeout.Event)

	paid, ok := g.Node("paid")
	require.True(t, ok)
	assert.Equal(t, &model.EventDefinition{Kind: model.EventKindMessage, Name: "payment-received", CorrelationKey: "=orderId"}, paid.Event)

	toAuto, ok := g.Flow("to-auto")
	require.True(t, ok)
	assert.Equal(t, "small order", toAuto.Name)
	assert.Equal(t, "=total < 100", toAuto.Condition)
	assert.Len(t, g.Incoming("paid"), 2)
}

func TestValidateAcceptsModelerDocument(t *testing.T) {
	// when
	result := Validate(readTestCase(t, "order_review.bpmn"))

	// then
	assert.True(t, result.Valid(), "%v", result.Issues)
}

func TestParseRejectsUnsupportedElements(t *testing.T) {
	// when
	_, err := Parse(readTestCase(t, "unsupported.bpmn"))

	// then
	assert.ErrorIs(t, err, zenerr.ErrValidationFailed)
	zerr, ok := zenerr.As(err)
	require.True(t, ok)
	var nodes []string
	for _, issue := range zerr.Issues {
		nodes = append(nodes, issue.NodeId)
	}
	assert.ElementsMatch(t, []string{"split", "call"}, nodes)

	// when
	result := Validate(readTestCase(t, "unsupported.bpmn"))

	// then
	assert.False(t, result.Valid())
	assert.GreaterOrEqual(t, len(result.Errors()), 2)
}

func TestParseRejectsMalformedDocuments(t *testing.T) {
	for name, doc := range map[string]string{
		"not xml":    "<definitions",
		"no process": `<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL" id="d" />`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, zenerr.ErrValidationFailed)
			assert.False(t, Validate([]byte(doc)).Valid())
		})
	}
}

func TestParseRejectsUndeclaredMessage(t *testing.T) {
	// given
	doc := strings.ReplaceAll(string(readTestCase(t, "order_review.bpmn")), `messageRef="Message_paid"`, `messageRef="Message_other"`)

	// when
	_, err := Parse([]byte(doc))

	// then
	require.ErrorIs(t, err, zenerr.ErrValidationFailed)
	zerr, _ := zenerr.As(err)
	require.Len(t, zerr.Issues, 1)
	assert.Equal(t, "paid", zerr.Issues[0].NodeId)
}

// sortNodes orders nodes by id at every nesting level; the document groups
// elements by type so node order is not preserved.
func sortNodes(nodes []model.Node) {
	slices.SortFunc(nodes, func(a, b model.Node) int { return strings.Compare(a.Id, b.Id) })
	for i := range nodes {
		sortNodes(nodes[i].Nodes)
	}
}

func TestSerializeRoundTripsModels(t *testing.T) {
	for _, name := range []string{
		"approval.yaml",
		"boundary_events.yaml",
		"exclusive_gateway.yaml",
		"fork_join.yaml",
		"message_event.yaml",
		"retry_task.yaml",
		"sub_process.yaml",
		"timer_event.yaml",
	} {
		t.Run(name, func(t *testing.T) {
			// given
			data, err := os.ReadFile(filepath.Join("..", "..", "test-cases", name))
			require.NoError(t, err)
			original, err := model.ParseYAML(data)
			require.NoError(t, err)

			// when
			doc, err := Serialize(original)
			require.NoError(t, err)
			imported, err := Parse(doc)

			// then
			require.NoError(t, err, string(doc))
			sortNodes(original.Nodes)
			sortNodes(imported.Nodes)
			assert.Equal(t, original, imported)
		})
	}
}

func TestSerializeDeclaresSharedSignalOnce(t *testing.T) {
	// given
	p := &model.Process{
		Key: "signals",
		Nodes: []model.Node{
			{Id: "start", Type: model.NodeTypeStartEvent},
			{Id: "first", Type: model.NodeTypeIntermediateCatchEvent, Event: &model.EventDefinition{Kind: model.EventKindSignal, Name: "go"}},
			{Id: "second", Type: model.NodeTypeIntermediateCatchEvent, Event: &model.EventDefinition{Kind: model.EventKindSignal, Name: "go"}},
			{Id: "end", Type: model.NodeTypeEndEvent},
		},
		Flows: []model.Flow{
			{Id: "f1", Source: "start", Target: "first"},
			{Id: "f2", Source: "first", Target: "second"},
			{Id: "f3", Source: "second", Target: "end"},
		},
	}

	// when
	doc, err := Serialize(p)

	// then
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(doc), "<signal "))
	assert.True(t, strings.HasPrefix(string(doc), "<?xml"))
}

func TestSerializeRejectsUnknownNodeType(t *testing.T) {
	_, err := Serialize(&model.Process{Key: "bad", Nodes: []model.Node{{Id: "x", Type: "manualTask"}}})
	assert.Error(t, err)
}
