package flow

import (
	"log"
	"math"
	"time"
)

type ActivityType string

const (
	ActivitySpeechStarted ActivityType = "speech_started"
	ActivitySpeechEnded   ActivityType = "speech_ended"
)

// ActivityEvent is emitted by the Monitor when sustained speech or silence is
// detected. The monitor never mutates session state itself; the state machine
// is the single writer.
type ActivityEvent struct {
	Type   ActivityType
	At     time.Time
	Energy float64
}

// MonitorConfig tunes the energy classifier. Thresholds are on normalized
// energy; dwell counts are consecutive frames required before a transition,
// which keeps brief noise or inhalation from flapping the state.
type MonitorConfig struct {
	SpeechThreshold  float64
	SilenceThreshold float64
	StartDwell       int
	EndDwell         int
	Smoothing        int
}

// DefaultMonitorConfig suits 16kHz audio chopped into ~20ms frames.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		StartDwell:       3,
		EndDwell:         25,
		Smoothing:        4,
	}
}

// Monitor classifies incoming audio-energy frames as speech or silence with
// hysteresis. One Monitor per session, owned by that session's runner.
type Monitor struct {
	cfg        MonitorConfig
	recent     []float64
	next       int
	filled     bool
	inSpeech   bool
	speechRun  int
	silenceRun int

	speechStartedAt time.Time
	dropped         int
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = 0.015
	}
	if cfg.SilenceThreshold <= 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		cfg.SilenceThreshold = cfg.SpeechThreshold / 2
	}
	if cfg.StartDwell <= 0 {
		cfg.StartDwell = 3
	}
	if cfg.EndDwell <= 0 {
		cfg.EndDwell = 25
	}
	if cfg.Smoothing <= 0 {
		cfg.Smoothing = 4
	}
	return &Monitor{
		cfg:    cfg,
		recent: make([]float64, cfg.Smoothing),
	}
}

// IngestFrame classifies a single frame. Malformed frames (non-finite or
// negative energy, zero timestamp) are dropped and logged; the monitor
// degrades to "no event this frame" rather than erroring.
func (m *Monitor) IngestFrame(energy float64, at time.Time) (ActivityEvent, bool) {
	if at.IsZero() || math.IsNaN(energy) || math.IsInf(energy, 0) || energy < 0 {
		m.dropped++
		log.Printf("vad: dropped malformed frame (energy=%v, at=%v, total_dropped=%d)", energy, at, m.dropped)
		return ActivityEvent{}, false
	}

	m.recent[m.next] = energy
	m.next++
	if m.next >= len(m.recent) {
		m.next = 0
		m.filled = true
	}
	level := m.smoothed()

	if m.inSpeech {
		if level < m.cfg.SilenceThreshold {
			m.silenceRun++
			m.speechRun = 0
			if m.silenceRun >= m.cfg.EndDwell {
				m.inSpeech = false
				m.silenceRun = 0
				return ActivityEvent{Type: ActivitySpeechEnded, At: at, Energy: level}, true
			}
		} else {
			m.silenceRun = 0
		}
		return ActivityEvent{}, false
	}

	if level >= m.cfg.SpeechThreshold {
		m.speechRun++
		m.silenceRun = 0
		if m.speechRun >= m.cfg.StartDwell {
			m.inSpeech = true
			m.speechRun = 0
			m.speechStartedAt = at
			return ActivityEvent{Type: ActivitySpeechStarted, At: at, Energy: level}, true
		}
	} else {
		m.speechRun = 0
	}
	return ActivityEvent{}, false
}

// InSpeech reports whether the monitor currently classifies the stream as
// speech.
func (m *Monitor) InSpeech() bool { return m.inSpeech }

// SpeakingFor returns the continuous speaking duration as of now, or zero
// when not in speech.
func (m *Monitor) SpeakingFor(now time.Time) time.Duration {
	if !m.inSpeech || m.speechStartedAt.IsZero() {
		return 0
	}
	d := now.Sub(m.speechStartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// DroppedFrames reports how many malformed frames were discarded.
func (m *Monitor) DroppedFrames() int { return m.dropped }

// Reset clears classification state, e.g. after a turn is finalized.
func (m *Monitor) Reset() {
	for i := range m.recent {
		m.recent[i] = 0
	}
	m.next = 0
	m.filled = false
	m.inSpeech = false
	m.speechRun = 0
	m.silenceRun = 0
	m.speechStartedAt = time.Time{}
}

func (m *Monitor) smoothed() float64 {
	n := m.next
	if m.filled {
		n = len(m.recent)
	}
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += m.recent[i]
	}
	return sum / float64(n)
}
