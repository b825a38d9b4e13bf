// Package scanner implements the Secret Scanner of spec.md §4.9: a
// streaming regex redaction pass over each active Container's log
// output. Grounded on pkg/security/secrets.go's crypto-careful
// never-log-the-plaintext style (here: never forward or persist a
// matched byte) combined with pkg/worker/worker.go's log-consumption
// loop shape, repurposed from executing a container to scanning its
// output.
package scanner

import (
	"regexp"
	"sync"

	"github.com/forgebay/runnerd/pkg/events"
	"github.com/forgebay/runnerd/pkg/log"
	"github.com/forgebay/runnerd/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Pattern is one fixed secret-shape regex the scanner looks for.
type Pattern struct {
	Kind     string
	Severity string
	Regexp   *regexp.Regexp
}

// BuiltinPatterns are the fixed patterns spec.md §4.9 names: platform
// tokens, cloud keys, private-key headers, and a generic
// key=value/secret assignment.
func BuiltinPatterns() []Pattern {
	return []Pattern{
		{Kind: "github_token", Severity: "critical", Regexp: regexp.MustCompile(`gh[pousr]_[0-9A-Za-z]{36}`)},
		{Kind: "aws_key", Severity: "critical", Regexp: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
		{Kind: "private_key", Severity: "critical", Regexp: regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`)},
		{Kind: "generic_secret_assignment", Severity: "warning", Regexp: regexp.MustCompile(`(?i)(password|secret|token|api_?key)\s*[:=]\s*['"][^'"\s]{8,}['"]`)},
	}
}

// defaultWindow is sized to comfortably span the longest builtin
// pattern (a PEM private-key header plus a generic secret assignment),
// so a match straddling two reads is never missed while the scanner
// still only ever carries one line's worth of bytes forward.
const defaultWindow = 256

// Sink receives the redacted form of each scanned line.
type Sink interface {
	Write(containerID string, redacted string)
}

// hitCounter tracks per-(container, pattern_kind) match counts for
// rate-based alerting (spec.md §4.9).
var hitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "runnerd_scanner_hits_total",
	Help: "Secret-pattern matches by container and pattern kind.",
}, []string{"container_id", "pattern_kind"})

func init() {
	prometheus.MustRegister(hitCounter)
}

// Scanner redacts matches from LogLine streams and reports them as
// secret_detected events, never forwarding or logging the matched
// bytes themselves.
type Scanner struct {
	patterns []Pattern
	window   int
	broker   *events.Broker
	logger   zerolog.Logger

	mu     sync.Mutex
	counts map[string]map[string]int64
}

// New builds a Scanner over patterns, publishing detections to broker.
func New(patterns []Pattern, broker *events.Broker) *Scanner {
	if len(patterns) == 0 {
		patterns = BuiltinPatterns()
	}
	return &Scanner{
		patterns: patterns,
		window:   defaultWindow,
		broker:   broker,
		logger:   log.WithComponent("scanner"),
		counts:   make(map[string]map[string]int64),
	}
}

// Consume drains lines off ch, scanning and redacting each one, until
// ch closes. It never buffers more than one line plus a small
// carry-over window, so it is safe against arbitrarily long log
// streams.
func (s *Scanner) Consume(containerID, jobID string, ch <-chan types.LogLine, sink Sink) {
	carry := ""
	for line := range ch {
		joined := carry + line.Line
		redacted, hits := s.scanLine(containerID, jobID, joined)
		if sink != nil {
			// redactionMarker preserves match byte-length, so redacted
			// stays aligned with joined: the carry prefix only ever
			// widens match detection across the read boundary, it was
			// already forwarded with the previous line.
			sink.Write(containerID, redacted[len(carry):])
		}
		for _, h := range hits {
			s.recordHit(h)
		}
		carry = tail(joined, s.window)
	}
}

// scanLine redacts every pattern match in line, byte-length preserved,
// and returns the hits recorded (without the matched bytes).
func (s *Scanner) scanLine(containerID, jobID, line string) (string, []types.SecretPatternHit) {
	redacted := line
	var hits []types.SecretPatternHit

	for _, p := range s.patterns {
		redacted = p.Regexp.ReplaceAllStringFunc(redacted, func(match string) string {
			hits = append(hits, types.SecretPatternHit{
				ContainerID: containerID,
				JobID:       jobID,
				PatternKind: p.Kind,
				Severity:    p.Severity,
			})
			return redactionMarker(len(match))
		})
	}
	return redacted, hits
}

func redactionMarker(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '*'
	}
	return string(b)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func (s *Scanner) recordHit(hit types.SecretPatternHit) {
	s.mu.Lock()
	byContainer, ok := s.counts[hit.ContainerID]
	if !ok {
		byContainer = make(map[string]int64)
		s.counts[hit.ContainerID] = byContainer
	}
	byContainer[hit.PatternKind]++
	s.mu.Unlock()

	hitCounter.WithLabelValues(hit.ContainerID, hit.PatternKind).Inc()

	s.logger.Warn().
		Str("container_id", hit.ContainerID).
		Str("pattern_kind", hit.PatternKind).
		Str("severity", hit.Severity).
		Msg("secret pattern matched and redacted")

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:        events.TypeSecretDetected,
			ContainerID: hit.ContainerID,
			JobID:       hit.JobID,
			Message:     hit.PatternKind,
			Metadata:    map[string]string{"severity": hit.Severity},
		})
	}
}

// HitCount returns the recorded match count for one (container, pattern).
func (s *Scanner) HitCount(containerID, patternKind string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[containerID][patternKind]
}
