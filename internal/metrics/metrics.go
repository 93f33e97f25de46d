// metrics — prometheus-счётчики ядра: токены панели, QR-вход, уведомления монитора.
//
// Методы безопасны на nil-получателе: компоненты в тестах создаются без метрик.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "qfarm"

type Metrics struct {
	tokensIssued  *prometheus.CounterVec
	verifications *prometheus.CounterVec
	qrLogins      *prometheus.CounterVec
	qrActive      prometheus.Gauge
	offline       *prometheus.CounterVec
}

// New регистрирует коллекторы в reg (в main — prometheus.DefaultRegisterer).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Panel tokens issued, by kind (login|session).",
		}, []string{"kind"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_verifications_total",
			Help:      "Panel token verifications, by result.",
		}, []string{"result"}),
		qrLogins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qr_logins_total",
			Help:      "Finished QR login sessions, by terminal stage.",
		}, []string{"stage"}),
		qrActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "qr_sessions_active",
			Help:      "QR login sessions currently polling.",
		}),
		offline: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_notifications_total",
			Help:      "Offline notification attempts, by result (sent|failed|cooldown).",
		}, []string{"result"}),
	}

	reg.MustRegister(m.tokensIssued, m.verifications, m.qrLogins, m.qrActive, m.offline)

	return m
}

func (m *Metrics) TokenIssued(kind string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(kind).Inc()
}

func (m *Metrics) TokenVerified(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

// QRLoginFinished учитывает терминальную стадию сессии.
func (m *Metrics) QRLoginFinished(stage string) {
	if m == nil {
		return
	}
	m.qrLogins.WithLabelValues(stage).Inc()
}

func (m *Metrics) QRSessionsActive(n int) {
	if m == nil {
		return
	}
	m.qrActive.Set(float64(n))
}

func (m *Metrics) OfflineNotification(result string) {
	if m == nil {
		return
	}
	m.offline.WithLabelValues(result).Inc()
}
