package converse

import (
	"log"
	"math"
	"sync"
	"time"
)

// Factory functions for common handlers
func CreateLoggingEventHandler(verbose bool) EventHandler {
	return func(event ConnectionEvent) {
		switch ev := event.(type) {
		case StateChangedEvent:
			log.Printf("State changed %s -> %s at %s", ev.From, ev.To, time.Now().Format(time.RFC3339))
		case QualityChangedEvent:
			if verbose {
				log.Printf("Connection quality: %s at %s", ev.Quality, time.Now().Format(time.RFC3339))
			}
		case MetricsUpdateEvent:
			if verbose {
				log.Printf("Metrics: latency=%dms sent=%d received=%d bytes=%d",
					ev.LatencyMs, ev.MessagesSent, ev.MessagesReceived, ev.BytesTransferred)
			}
		}
	}
}

func CreateConnectionStatusHandler(callback func(ConnectionState)) ConnectionHandler {
	return func(state ConnectionState) {
		log.Printf("Connection state changed to: %s at %s", state, time.Now().Format(time.RFC3339))
		if callback != nil {
			callback(state)
		}
	}
}

func CreateErrorLoggingHandler(prefix string) func(error) {
	return func(err error) {
		if err != nil {
			log.Printf("%s Error: %v", prefix, err)
		}
	}
}

// CreateTranscriptHandler filters interim transcripts when finalOnly is set.
func CreateTranscriptHandler(finalOnly bool, callback func(Transcript)) func(Transcript) {
	return func(t Transcript) {
		if t.Text == "" {
			return
		}
		if finalOnly && !t.IsFinal {
			return
		}
		if callback != nil {
			callback(t)
		}
	}
}

// CreateAgentAudioHandler routes agent audio into a sink.
func CreateAgentAudioHandler(sink AudioSink) func(AudioChunk) {
	return func(chunk AudioChunk) {
		if sink == nil || len(chunk.Data) == 0 {
			return
		}
		sink.Enqueue(chunk)
	}
}

var qualityRank = map[ConnectionQuality]int{
	QualityOffline:   0,
	QualityPoor:      1,
	QualityFair:      2,
	QualityGood:      3,
	QualityExcellent: 4,
}

// CreateQualityAlertHandler fires the callback when quality drops to or
// below the threshold, once per degradation episode.
func CreateQualityAlertHandler(threshold ConnectionQuality, callback func(ConnectionQuality)) EventHandler {
	var mu sync.Mutex
	alerted := false

	return func(event ConnectionEvent) {
		ev, ok := event.(QualityChangedEvent)
		if !ok {
			return
		}

		mu.Lock()
		defer mu.Unlock()

		if qualityRank[ev.Quality] <= qualityRank[threshold] {
			if !alerted {
				alerted = true
				if callback != nil {
					callback(ev.Quality)
				}
			}
		} else {
			alerted = false
		}
	}
}

func CreateMetricsHandler(callback func(MetricsUpdateEvent)) EventHandler {
	return func(event ConnectionEvent) {
		if ev, ok := event.(MetricsUpdateEvent); ok && callback != nil {
			callback(ev)
		}
	}
}

func CreateAudioVisualizerHandler(callback func(float32)) func(AudioChunk) {
	return func(chunk AudioChunk) {
		samples, err := DecodePCM(chunk.Data, chunk.Format)
		if err != nil || len(samples) == 0 {
			return
		}

		var sum float64
		for _, v := range samples {
			sum += float64(v * v)
		}
		rms := float32(math.Sqrt(sum / float64(len(samples))))

		if callback != nil {
			callback(rms)
		} else {
			log.Printf("Audio RMS amplitude: %f", rms)
		}
	}
}

func CreateAudioLevelMonitor(callback func(float32, float32)) func(AudioChunk) {
	var mu sync.Mutex

	return func(chunk AudioChunk) {
		mu.Lock()
		defer mu.Unlock()

		samples, err := DecodePCM(chunk.Data, chunk.Format)
		if err != nil || len(samples) == 0 {
			return
		}

		var sum float64
		var max float32

		for _, v := range samples {
			abs := float32(math.Abs(float64(v)))
			sum += float64(abs)
			if abs > max {
				max = abs
			}
		}

		avg := float32(sum / float64(len(samples)))

		if callback != nil {
			callback(avg, max)
		}
	}
}

func CreateBufferedEventHandler(bufferSize int, handler EventHandler) EventHandler {
	eventChan := make(chan ConnectionEvent, bufferSize)

	go func() {
		for ev := range eventChan {
			handler(ev)
		}
	}()

	return func(event ConnectionEvent) {
		select {
		case eventChan <- event:
		default:
			log.Println("Event buffer full, dropping event")
		}
	}
}

// Composability functions
func ChainEventHandlers(handlers ...EventHandler) EventHandler {
	return func(event ConnectionEvent) {
		for _, h := range handlers {
			if h != nil {
				go h(event) // Non-blocking chain
			}
		}
	}
}

func ChainConnectionHandlers(handlers ...ConnectionHandler) ConnectionHandler {
	return func(state ConnectionState) {
		for _, h := range handlers {
			if h != nil {
				go h(state)
			}
		}
	}
}

func ChainErrorHandlers(handlers ...func(error)) func(error) {
	return func(err error) {
		for _, h := range handlers {
			if h != nil {
				go h(err)
			}
		}
	}
}

func SequentialEventHandlers(handlers ...EventHandler) EventHandler {
	return func(event ConnectionEvent) {
		for _, h := range handlers {
			if h != nil {
				h(event) // Sequential execution
			}
		}
	}
}

// Utility handler for debugging
func CreateDebugHandler(label string) EventHandler {
	return func(event ConnectionEvent) {
		log.Printf("[DEBUG-%s] Event: %T %+v", label, event, event)
	}
}
