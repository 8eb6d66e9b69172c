package notify

import "context"

// NullEmitter discards every event. Useful as the default when no caller
// supplies an emitter, and in tests that don't care about notifications.
type NullEmitter struct{}

func (NullEmitter) Emit(Event) {}

func (NullEmitter) EmitBatch(context.Context, []Event) error { return nil }

func (NullEmitter) Flush(context.Context) error { return nil }
