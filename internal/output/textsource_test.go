package output

import (
	"context"
	"errors"
	"testing"
)

type textRecord struct {
	target, text string
}

type recordTextSink struct {
	writes []textRecord
	err    error
}

func (s *recordTextSink) WriteText(_ context.Context, target, text string) error {
	if s.err != nil {
		return s.err
	}
	s.writes = append(s.writes, textRecord{target, text})
	return nil
}

func TestTextSetter_SkipsRepeatedText(t *testing.T) {
	sink := &recordTextSink{}
	setter := NewTextSetter(sink)
	ctx := context.Background()

	if !setter.Set(ctx, "lower_third", "hello") {
		t.Fatal("first Set did not write")
	}
	if setter.Set(ctx, "lower_third", "hello") {
		t.Error("identical Set wrote again")
	}
	if !setter.Set(ctx, "side_panel", "hello") {
		t.Error("Set to another target did not write")
	}
	if !setter.Set(ctx, "side_panel", " ") {
		t.Error("clearing Set did not write")
	}
	if len(sink.writes) != 3 {
		t.Errorf("writes = %v, want 3", sink.writes)
	}
}

func TestTextSetter_FailedWriteIsRetried(t *testing.T) {
	sink := &recordTextSink{err: errors.New("gone")}
	setter := NewTextSetter(sink)
	ctx := context.Background()

	if setter.Set(ctx, "t", "x") {
		t.Fatal("failed write reported as written")
	}
	sink.err = nil
	if !setter.Set(ctx, "t", "x") {
		t.Error("write after failure was deduplicated")
	}
}
