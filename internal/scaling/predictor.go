package scaling

// LoadPredictor is a linear-trend heuristic over recent cpu and
// response-time samples. It predicts a load figure in [0,1]; values
// above the trigger threshold justify a preemptive scale-up.
type LoadPredictor struct {
	window int
}

// NewLoadPredictor uses the last n samples (default 10).
func NewLoadPredictor(window int) *LoadPredictor {
	if window <= 0 {
		window = 10
	}
	return &LoadPredictor{window: window}
}

// Predict projects the next cpu and response levels one step ahead from
// the per-sample trend and folds them into a single load figure. CPU is
// weighted over response since it saturates first.
func (p *LoadPredictor) Predict(cpuHistory, responseHistory []float64) float64 {
	cpu := p.projectNext(cpuHistory) / 100
	resp := p.projectNext(responseHistory) / 5000
	load := 0.6*cpu + 0.4*resp
	if load < 0 {
		return 0
	}
	if load > 1 {
		return 1
	}
	return load
}

// projectNext extrapolates one step using the mean delta of the last
// window samples.
func (p *LoadPredictor) projectNext(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	if len(samples) > p.window {
		samples = samples[len(samples)-p.window:]
	}
	last := samples[len(samples)-1]
	if len(samples) < 2 {
		return last
	}
	delta := (samples[len(samples)-1] - samples[0]) / float64(len(samples)-1)
	return last + delta
}
