package dispatch

import (
	"encoding/json"

	"github.com/nsqio/go-nsq"

	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/config"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/fanout"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/logging"
)

// NewWakeConsumer subscribes to the wake topic and nudges the dispatcher
// when fan-out announces freshly created deliveries. The consumer is
// purely advisory: a dropped message costs at most one sweep interval
// of latency.
func NewWakeConsumer(cfg config.NSQ, d *Dispatcher, logger *logging.Logger) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	consumer, err := nsq.NewConsumer(cfg.WakeTopic, cfg.WakeChannel, conf)
	if err != nil {
		return nil, err
	}

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		var w fanout.Wake
		if err := json.Unmarshal(m.Body, &w); err != nil {
			logger.Plain().WithError(err).Warn("bad wake payload")
			return nil // don't requeue garbage
		}
		logger.Plain().WithEvent(w.EventID).WithTenant(w.TenantID).
			WithField("created", w.CreatedCount).Debug("wake received")
		d.RunNow()
		return nil
	}))

	if err := consumer.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
		return nil, err
	}
	if cfg.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
			logger.Plain().WithError(err).Warn("connect to lookupd failed")
		}
	}
	return consumer, nil
}
