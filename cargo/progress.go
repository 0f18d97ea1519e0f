package cargo

import (
	"sync"

	"playground/model"
)

// Progress
//
//	Folds artifact events of one build attempt into Compiling stages. The
//	total is fixed when the attempt starts and only grows if cargo reports
//	more units than the metadata promised.
type Progress struct {
	mu       sync.Mutex
	total    uint
	compiled uint
	seen     map[string]struct{}
}

func NewProgress(total uint) *Progress {
	return &Progress{
		total: total,
		seen:  make(map[string]struct{}),
	}
}

// Observe records an artifact and returns the stage to report. ok is false
// for artifacts that do not advance the count.
func (p *Progress) Observe(event ArtifactEvent) (stage model.StageCompiling, ok bool) {
	if event.BuildScript {
		return stage, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.seen[event.Crate]; !dup {
		p.seen[event.Crate] = struct{}{}
		p.compiled++
	}
	if p.compiled > p.total {
		p.total = p.compiled
	}

	return model.StageCompiling{
		CratesCompiled: p.compiled,
		TotalCrates:    p.total,
		CurrentCrate:   event.Crate,
	}, true
}

// Compiled returns the number of distinct crates seen so far.
func (p *Progress) Compiled() uint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.compiled
}
