package pipeline

import (
	"errors"
	"path/filepath"

	"github.com/spaghettifunk/mandrill/engine/assets"
	"github.com/spaghettifunk/mandrill/engine/assets/loaders"
	"github.com/spaghettifunk/mandrill/engine/core"
)

// ChangeSource reports asset changes since the previous call.
// *assets.Watcher implements it.
type ChangeSource interface {
	Drain() []assets.AssetInfo
}

// Watched follows the latest build of a hot reloaded pipeline.
type Watched struct {
	current *Pipeline
	sources []ShaderSource
}

// Fixed wraps a pipeline that is never reloaded.
func Fixed(p *Pipeline) *Watched {
	return &Watched{current: p}
}

// Current is the pipeline to bind this frame. It changes only inside Poll.
func (w *Watched) Current() *Pipeline {
	return w.current
}

// Reloader rebuilds pipelines whose shader files changed. Poll runs on the
// frame thread between frames, so replaced pipelines are retired rather
// than destroyed.
type Reloader struct {
	changes ChangeSource
	loader  *loaders.ShaderLoader
	events  *core.EventBus
	byPath  map[string][]*Watched
}

func NewReloader(changes ChangeSource, loader *loaders.ShaderLoader, events *core.EventBus) *Reloader {
	return &Reloader{
		changes: changes,
		loader:  loader,
		events:  events,
		byPath:  make(map[string][]*Watched),
	}
}

// Watch registers p as built from sources.
func (r *Reloader) Watch(p *Pipeline, sources ...ShaderSource) *Watched {
	w := &Watched{current: p, sources: sources}
	for _, src := range sources {
		path := filepath.Clean(src.Path)
		r.byPath[path] = append(r.byPath[path], w)
	}
	return w
}

// Poll rebuilds every pipeline with a changed source and returns how many
// were replaced. A pipeline whose shaders fail to load or compile keeps
// running with its previous build; the errors are joined.
func (r *Reloader) Poll() (int, error) {
	dirty := map[*Watched]bool{}
	var order []*Watched
	for _, change := range r.changes.Drain() {
		if change.Type != assets.AssetTypeShader || change.Removed {
			continue
		}
		if r.events != nil {
			r.events.Fire(core.EVENT_CODE_SHADER_CHANGED, r, core.EventContext{Path: change.Path})
		}
		for _, w := range r.byPath[filepath.Clean(change.Path)] {
			if !dirty[w] {
				dirty[w] = true
				order = append(order, w)
			}
		}
	}

	rebuilt := 0
	var errs []error
	for _, w := range order {
		stages, err := LoadStages(r.loader, w.sources...)
		if err != nil {
			core.LogError("shader reload of %s failed: %s", w.current.Name(), err)
			errs = append(errs, err)
			continue
		}
		desc := w.current.Desc()
		desc.Stages = stages
		next, err := w.current.Rebuild(desc)
		if err != nil {
			core.LogError("pipeline %s rebuild failed: %s", w.current.Name(), err)
			errs = append(errs, err)
			continue
		}
		core.LogInfo("pipeline %s reloaded", next.Name())
		w.current = next
		rebuilt++
	}
	return rebuilt, errors.Join(errs...)
}
