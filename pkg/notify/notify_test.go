package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
)

type entry struct {
	msg    string
	fields map[string]interface{}
}

type recordingLogger struct {
	logging.NoopLogger
	infos []entry
}

func (r *recordingLogger) Info(msg string, fields ...logging.Field) {
	e := entry{msg: msg, fields: map[string]interface{}{}}
	for _, f := range fields {
		e.fields[f.Key] = f.Value
	}
	r.infos = append(r.infos, e)
}

func TestLogNotifier(t *testing.T) {
	logger := &recordingLogger{}
	n := LogNotifier{Logger: logger}

	err := n.Notify(context.Background(), Notification{
		Kind:        TrialEnding,
		WorkspaceID: "ws_1",
		ObjectID:    "sub_1",
		Source:      "stripe",
		Details:     map[string]string{"trial_end": "2026-01-01"},
	})
	require.NoError(t, err)
	require.Len(t, logger.infos, 1)

	got := logger.infos[0]
	assert.Equal(t, "billing notification", got.msg)
	assert.Equal(t, "trial_ending", got.fields["kind"])
	assert.Equal(t, "ws_1", got.fields["workspace_id"])
	assert.Equal(t, "sub_1", got.fields["object_id"])
	assert.Equal(t, "2026-01-01", got.fields["trial_end"])
}

func TestLogNotifier_NilLogger(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), Notification{Kind: InvoiceUpcoming}))
}

func TestOrNoop(t *testing.T) {
	assert.IsType(t, NoopNotifier{}, OrNoop(nil))

	n := LogNotifier{}
	assert.Equal(t, n, OrNoop(n))
}
