package mesh

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// FrameEvent is published when a frame has been prepared.
type FrameEvent struct {
	RunID     string `json:"runId"`
	Frame     int    `json:"frame"`
	Name      string `json:"name"`
	Points    int    `json:"points"`
	Sparse    int    `json:"sparse"`
	Timestamp int64  `json:"timestamp"`
}

// PairEvent is published for every registered pair, bridges included.
type PairEvent struct {
	RunID string `json:"runId"`
	PairMetrics
	Timestamp int64 `json:"timestamp"`
}

// ProgressPublisher is an Observer publishing run progress to MQTT:
//
//	<prefix>/<runID>/frames/<i>        frame prepared
//	<prefix>/<runID>/pairs/<from>-<to> pair registered (retained)
//	<prefix>/<runID>/summary           run summary (retained)
//
// Publish failures are logged; they never stop a run.
type ProgressPublisher struct {
	client        mqtt.Client
	publishPrefix string
	runID         string
	qos           byte
	retain        bool
	log           *zap.SugaredLogger
	pairs         map[[2]int]PairMetrics
	mu            sync.RWMutex
}

// NewProgressPublisher creates a publisher for one run. If client is nil,
// publishing is disabled and only the latest pair metrics are kept.
func NewProgressPublisher(client mqtt.Client, prefix, runID string, logger *zap.SugaredLogger) *ProgressPublisher {
	if prefix == "" {
		prefix = "depthmesh"
	}
	return &ProgressPublisher{
		client:        client,
		publishPrefix: prefix,
		runID:         runID,
		qos:           1,
		retain:        true,
		log:           orNop(logger),
		pairs:         make(map[[2]int]PairMetrics),
	}
}

// Topic returns the run topic for suffix.
func (p *ProgressPublisher) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.publishPrefix, p.runID, suffix)
}

func (p *ProgressPublisher) publish(topic string, retain bool, v any) error {
	if p.client == nil || !p.client.IsConnected() {
		return errors.New("MQTT client not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshaling %s", topic)
	}
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return errors.Wrapf(token.Error(), "publishing to %s", topic)
	}
	return nil
}

// PublishPair publishes the metrics of one pair.
func (p *ProgressPublisher) PublishPair(m PairMetrics) error {
	p.mu.Lock()
	p.pairs[[2]int{m.From, m.To}] = m
	p.mu.Unlock()

	topic := p.Topic(fmt.Sprintf("pairs/%d-%d", m.From, m.To))
	return p.publish(topic, p.retain, PairEvent{RunID: p.runID, PairMetrics: m, Timestamp: time.Now().Unix()})
}

// PublishSummary publishes the run summary.
func (p *ProgressPublisher) PublishSummary(s RunSummary) error {
	return p.publish(p.Topic("summary"), p.retain, s)
}

func (p *ProgressPublisher) FramePrepared(f *Frame) {
	ev := FrameEvent{RunID: p.runID, Frame: f.Index, Name: f.Name, Points: f.Cloud.Len(), Sparse: f.Sparse.Len(),
		Timestamp: time.Now().Unix()}
	if err := p.publish(p.Topic(fmt.Sprintf("frames/%d", f.Index)), false, ev); err != nil {
		p.log.Debugf("frame %d not published: %v", f.Index, err)
	}
}

func (p *ProgressPublisher) PairRegistered(r PairResult) {
	if err := p.PublishPair(r.Metrics()); err != nil {
		p.log.Warnf("pair %d-%d not published: %v", r.From, r.To, err)
	}
}

func (p *ProgressPublisher) RunFinished(s RunSummary) {
	if err := p.PublishSummary(s); err != nil {
		p.log.Warnf("summary not published: %v", err)
	}
}

// Pair returns the last metrics seen for a pair.
func (p *ProgressPublisher) Pair(from, to int) (PairMetrics, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.pairs[[2]int{from, to}]
	return m, ok
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *ProgressPublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether pair and summary messages are retained by the broker
func (p *ProgressPublisher) SetRetain(retain bool) {
	p.retain = retain
}
