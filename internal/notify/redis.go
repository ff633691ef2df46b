package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dropDatabas3/farodb/internal/observability/logger"
)

// RedisSink reenvía los eventos del bus a un canal pub/sub de redis, para
// consumidores externos al proceso (dashboards, workers de integración).
type RedisSink struct {
	client  *redis.Client
	channel string

	cancels []func()
	wg      sync.WaitGroup
	log     *zap.Logger
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// NewRedisSink conecta con redis y verifica la conexión antes de devolver.
func NewRedisSink(opts RedisOptions) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("notify: redis ping: %w", err)
	}

	channel := opts.Channel
	if channel == "" {
		channel = "farodb:events"
	}
	return &RedisSink{
		client:  rdb,
		channel: channel,
		log:     logger.Named("notify.redis"),
	}, nil
}

// wireEvent es el sobre que viaja por el canal pub/sub.
type wireEvent struct {
	Event string    `json:"event"` // database | topology | alert
	Data  any       `json:"data"`
	At    time.Time `json:"at"`
}

// Attach suscribe el sink a los tres tipos de evento del bus. Los eventos se
// publican de a uno; si redis no responde se descartan con un warning (el bus
// no espera a nadie).
func (s *RedisSink) Attach(bus *Bus) {
	dbs, c1 := bus.SubscribeDatabases(64)
	topos, c2 := bus.SubscribeTopology(16)
	alerts, c3 := bus.SubscribeAlerts(16)
	s.cancels = append(s.cancels, c1, c2, c3)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		for e := range dbs {
			s.publish("database", e)
		}
	}()
	go func() {
		defer s.wg.Done()
		for e := range topos {
			s.publish("topology", e)
		}
	}()
	go func() {
		defer s.wg.Done()
		for a := range alerts {
			s.publish("alert", a)
		}
	}()
	s.log.Info("sink redis conectado", logger.String("channel", s.channel))
}

func (s *RedisSink) publish(event string, data any) {
	b, err := json.Marshal(wireEvent{Event: event, Data: data, At: time.Now().UTC()})
	if err != nil {
		s.log.Warn("evento no serializable", logger.String("event", event), logger.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, b).Err(); err != nil {
		s.log.Warn("publicación a redis falló", logger.String("event", event), logger.Err(err))
	}
}

// Close da de baja las suscripciones, espera a que drenen y cierra el cliente.
func (s *RedisSink) Close() error {
	for _, c := range s.cancels {
		c()
	}
	s.wg.Wait()
	return s.client.Close()
}
