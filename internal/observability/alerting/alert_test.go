package alerting

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	xerrors "DataSov-Bridge/internal/errors"
)

type recordingPublisher struct {
	events []Event
	err    error
}

func (p *recordingPublisher) PublishAlert(_ context.Context, event Event) error {
	p.events = append(p.events, event)
	return p.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	var buf bytes.Buffer
	logNotifier := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	pub := &recordingPublisher{}
	dispatcher := NewFanout(logNotifier, &StreamNotifier{Publisher: pub}, nil)

	cause := xerrors.New(xerrors.CodeStorageFailure, "registry down",
		xerrors.WithStage(xerrors.StageValidation),
		xerrors.WithMetadata(xerrors.MetaIdentityID, "ID_7"))
	if err := dispatcher.Notify(context.Background(), FromError(cause, "")); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(pub.events) != 1 || pub.events[0].IdentityID != "ID_7" || pub.events[0].Stage != xerrors.StageValidation {
		t.Fatalf("unexpected stream events: %+v", pub.events)
	}
	if !strings.Contains(buf.String(), "STORAGE_FAILURE") {
		t.Fatalf("audit log missing code: %s", buf.String())
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	err := NewFanout(&StreamNotifier{Publisher: pub}).Notify(context.Background(), Event{Code: xerrors.CodeUnknown})
	if err == nil || !strings.Contains(err.Error(), "event_stream") {
		t.Fatalf("expected channel error, got %v", err)
	}
}
