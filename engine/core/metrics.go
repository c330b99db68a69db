package core

import "github.com/spaghettifunk/mandrill/engine/containers"

const AVG_COUNT = 30

// Metrics keeps a rolling frame time average and a frames-per-second
// counter refreshed once per accumulated second.
type Metrics struct {
	frameTimes         *containers.RingQueue[float64]
	msAvg              float64
	frames             int32
	accumulatedFrameMS float64
	fps                float64
}

func NewMetrics() *Metrics {
	return &Metrics{
		frameTimes: containers.NewRingQueue[float64](AVG_COUNT),
	}
}

// Update records the duration of one frame, in seconds.
func (m *Metrics) Update(frameElapsedTime float64) {
	frameMS := frameElapsedTime * 1000.0
	m.frameTimes.Push(frameMS)

	sum := 0.0
	m.frameTimes.Each(func(v float64) { sum += v })
	m.msAvg = sum / float64(m.frameTimes.Len())

	m.frames++
	m.accumulatedFrameMS += frameMS
	if m.accumulatedFrameMS >= 1000 {
		m.fps = float64(m.frames)
		m.accumulatedFrameMS -= 1000
		m.frames = 0
	}
}

func (m *Metrics) FPS() float64 {
	return m.fps
}

func (m *Metrics) FrameTime() float64 {
	return m.msAvg
}

func (m *Metrics) Frame() (float64, float64) {
	return m.fps, m.msAvg
}
