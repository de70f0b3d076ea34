// Package pipeline connects trace completion to persistence
// asynchronously: Attach registers a trace to publish its snapshot once
// it completes, and SubscribeSink drains those published snapshots into a
// sink.Sink. This decouples the trace thread (which must never block on
// I/O) from whatever goroutine actually performs the write, the same role
// the teacher's DataPipeline/EventBus wiring plays between its ingestion
// and processing stages.
package pipeline

import (
	"context"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"github.com/parabinda/glowroot/pkg/sink"
	"github.com/parabinda/glowroot/pkg/snapshot"
	"github.com/parabinda/glowroot/pkg/trace"
)

// completedTopic carries one snapshot.TraceSnapshot (summary only; no
// spans or merged stack tree) per completed trace.
const completedTopic = "trace.completed"

// Pipeline is the glue between Trace completion and a Sink.
type Pipeline struct {
	bus    *eventBus[snapshot.TraceSnapshot]
	logger *zap.Logger
}

// New returns a Pipeline built on bus, an asaskevich/EventBus instance
// normally shared process-wide.
func New(bus EventBus.Bus, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{bus: newEventBus[snapshot.TraceSnapshot](bus, logger), logger: logger}
}

// Attach installs a completion listener on tr that publishes its summary
// snapshot once it completes. Call this right after starting a trace
// (e.g. from pkg/pluginapi's StartTrace) for every trace that should be
// persisted.
func (p *Pipeline) Attach(tr *trace.Trace) {
	tr.SetCompletionListener(trace.CompletionListenerFunc(func(t *trace.Trace) {
		snap := snapshot.From(t, t.EndTick(), false)
		if err := p.bus.Publish(completedTopic, *snap); err != nil {
			p.logger.Error("failed to publish completed trace snapshot",
				zap.String("traceId", t.ID()), zap.Error(err))
		}
	}))
}

// SubscribeSink registers s as the pipeline's consumer: every published
// snapshot is written through ctx. Returns an error only if the
// underlying bus rejects the subscription itself (not if an individual
// write later fails — those are logged by the subscriber and dropped).
func (p *Pipeline) SubscribeSink(ctx context.Context, s *sink.Sink) error {
	return p.bus.Subscribe(completedTopic, func(snap snapshot.TraceSnapshot) error {
		return s.Write(ctx, &snap)
	})
}
