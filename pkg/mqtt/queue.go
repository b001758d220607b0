// Package mqtt publishes node messages to an MQTT broker and dispatches
// commands received from it.
package mqtt

import (
	"container/list"
	"context"
	"crypto/tls"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"

	"github.com/robotalks/sensornode/pkg/transport"
)

// Defaults.
const (
	DefaultQoS            byte = 1
	DefaultPublishTimeout      = 10 * time.Second
	DefaultReconnectDelay      = 5 * time.Second
)

// ErrPublishTimeout indicates the broker did not acknowledge a publish in time.
var ErrPublishTimeout = errors.New("publish timed out")

// Handler is the callback when a message is received.
type Handler func(topic string, payload []byte)

// Queue wraps MQTT client.
type Queue struct {
	Client         paho.Client
	TopicPrefix    string
	QoS            byte
	PublishTimeout time.Duration
	ReconnectDelay time.Duration
	OnConnect      ConnectHandler
	OnDisconnect   ConnectHandler

	subsLock     sync.RWMutex
	subs         map[string]*list.List
	wildcardSubs map[string]*list.List
}

// ConnectHandler is to handle connect/disconnect events.
type ConnectHandler func(*Queue)

// Subscription is a subscribed topic.
type Subscription struct {
	Token paho.Token

	queue    *Queue
	elm      *list.Element
	topic    string
	wildcard bool
	handler  Handler
}

// MatchTopic matches topic with pattern.
func MatchTopic(topic, pattern string) bool {
	tokensT, tokensP := strings.Split(topic, "/"), strings.Split(pattern, "/")
	for i, token := range tokensP {
		if token == "#" && i+1 == len(tokensP) {
			return true
		}
		if i >= len(tokensT) {
			return false
		}
		if token == "+" {
			continue
		}
		if token != tokensT[i] {
			return false
		}
	}
	return len(tokensP) == len(tokensT)
}

func isSecureScheme(scheme string) bool {
	switch scheme {
	case "mqtts", "ssl", "tls":
		return true
	}
	return false
}

// ClientOptionsFromURL creates ClientOptions from URL. The URL path is the
// topic prefix and the client-id query parameter, when present, the client
// id. Secure schemes (mqtts, ssl, tls) use the TLS material in certs, or the
// system roots when certs is nil or plain.
func ClientOptionsFromURL(serverURL string, certs *transport.CertCache) (*paho.ClientOptions, string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, "", err
	}
	if u.Host == "" {
		return nil, "", errors.New("broker host missing in " + serverURL)
	}
	var server string
	switch {
	case u.Scheme == "" || u.Scheme == "mqtt" || u.Scheme == "tcp":
		server = "tcp"
	case isSecureScheme(u.Scheme):
		server = "ssl"
	default:
		server = u.Scheme
	}
	server += "://" + u.Host

	topicPrefix := strings.TrimPrefix(u.Path, "/")

	opts := paho.NewClientOptions()
	opts.AddBroker(server).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if pwd, ok := u.User.Password(); ok {
			opts.SetPassword(pwd)
		}
	}

	if clientID := u.Query().Get("client-id"); clientID != "" {
		opts.SetClientID(clientID)
	}

	if strings.HasPrefix(server, "ssl://") {
		conf := &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}
		if certs.Mode() != transport.ModePlain {
			if conf, err = certs.ClientConfig(u.Hostname()); err != nil {
				return nil, "", err
			}
		}
		opts.SetTLSConfig(conf)
	}

	return opts, topicPrefix, nil
}

// NewQueue creates Queue.
func NewQueue(options *paho.ClientOptions, topicPrefix string) *Queue {
	q := &Queue{
		TopicPrefix:    topicPrefix,
		QoS:            DefaultQoS,
		PublishTimeout: DefaultPublishTimeout,
		ReconnectDelay: DefaultReconnectDelay,
	}
	options.SetOnConnectHandler(q.OnConnectHandler)
	options.SetConnectionLostHandler(q.ConnectionLostHandler)
	q.Client = paho.NewClient(options)
	return q
}

// NewQueueFromURL creates Queue from URL. clientID is used unless the URL
// carries one.
func NewQueueFromURL(brokerURL, clientID string, certs *transport.CertCache) (*Queue, error) {
	opts, topicPrefix, err := ClientOptionsFromURL(brokerURL, certs)
	if err != nil {
		return nil, err
	}
	if opts.ClientID == "" {
		opts.SetClientID(clientID)
	}
	return NewQueue(opts, topicPrefix), nil
}

// Name implements framework.Named.
func (q *Queue) Name() string {
	return "mqtt"
}

// Run implements framework.Runnable. It connects, retrying until the
// context is canceled, and disconnects on cancel. The client reconnects
// by itself once connected.
func (q *Queue) Run(ctx context.Context) error {
	for {
		token := q.Client.Connect()
		token.Wait()
		err := token.Error()
		if err == nil {
			break
		}
		glog.Warningf("mqtt connect failed: %v, retry in %s", err, q.ReconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.ReconnectDelay):
		}
	}
	<-ctx.Done()
	q.Close()
	return ctx.Err()
}

// Close implements io.Closer.
func (q *Queue) Close() error {
	q.Client.Disconnect(250)
	return nil
}

// Sub subscribes a topic
func (q *Queue) Sub(topic string, handler Handler) *Subscription {
	wildcard := strings.Contains(topic, "+") || strings.HasSuffix(topic, "#")
	var newSub bool
	q.subsLock.Lock()
	if q.subs == nil {
		q.subs = make(map[string]*list.List)
	}
	if q.wildcardSubs == nil {
		q.wildcardSubs = make(map[string]*list.List)
	}
	subs := q.subs
	if wildcard {
		subs = q.wildcardSubs
	}
	lst := subs[topic]
	if lst == nil {
		lst = list.New()
		subs[topic] = lst
		newSub = true
	}
	sub := &Subscription{
		queue:    q,
		topic:    topic,
		wildcard: wildcard,
		handler:  handler,
	}
	sub.elm = lst.PushBack(sub)
	q.subsLock.Unlock()

	if newSub && q.Client.IsConnected() {
		glog.V(2).Infof("SUB %q", q.TopicPrefix+topic)
		sub.Token = q.Client.Subscribe(q.TopicPrefix+topic, q.QoS, q.dispatch)
	}
	return sub
}

// Pub publishes to a topic without waiting.
func (q *Queue) Pub(topic string, payload []byte) paho.Token {
	return q.PubWith(topic, payload, q.QoS, false)
}

// PubWith publishes with QoS and retain settings.
func (q *Queue) PubWith(topic string, payload []byte, qos byte, retain bool) paho.Token {
	glog.V(2).Infof("PUB %q (%d bytes)", q.TopicPrefix+topic, len(payload))
	return q.Client.Publish(q.TopicPrefix+topic, qos, retain, payload)
}

// Publish publishes with the queue QoS and waits for the broker to
// acknowledge it, bounded by PublishTimeout and ctx.
func (q *Queue) Publish(ctx context.Context, topic string, payload []byte) error {
	token := q.Pub(topic, payload)
	timeout := q.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if rest := time.Until(deadline); rest < timeout {
			timeout = rest
		}
	}
	if !token.WaitTimeout(timeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Resubscribe is used in OnConnect handler to subscribe all existing topics.
func (q *Queue) Resubscribe() paho.Token {
	filters := make(map[string]byte)
	q.subsLock.RLock()
	for topic := range q.subs {
		filters[q.TopicPrefix+topic] = q.QoS
	}
	for topic := range q.wildcardSubs {
		filters[q.TopicPrefix+topic] = q.QoS
	}
	q.subsLock.RUnlock()
	if len(filters) > 0 {
		if glog.V(2) {
			for key := range filters {
				glog.Infof("SUB %q", key)
			}
		}
		return q.Client.SubscribeMultiple(filters, q.dispatch)
	}
	return &paho.DummyToken{}
}

// OnConnectHandler is the default implementation of paho.OnConnectHandler.
func (q *Queue) OnConnectHandler(paho.Client) {
	glog.Info("mqtt connected")
	q.Resubscribe()
	if h := q.OnConnect; h != nil {
		h(q)
	}
}

// ConnectionLostHandler is the default implementation of paho.ConnectLostHandler.
func (q *Queue) ConnectionLostHandler(c paho.Client, err error) {
	glog.Warningf("mqtt connection lost: %v", err)
	if h := q.OnDisconnect; h != nil {
		h(q)
	}
}

func (q *Queue) dispatch(c paho.Client, msg paho.Message) {
	q.deliver(msg.Topic(), msg.Payload())
}

func (q *Queue) deliver(topic string, payload []byte) {
	if !strings.HasPrefix(topic, q.TopicPrefix) {
		return
	}
	glog.V(2).Infof("RCV %q", topic)
	topic = topic[len(q.TopicPrefix):]
	var handlers []Handler
	q.subsLock.RLock()
	if lst := q.subs[topic]; lst != nil {
		handlers = make([]Handler, 0, lst.Len())
		for elm := lst.Front(); elm != nil; elm = elm.Next() {
			handlers = append(handlers, elm.Value.(*Subscription).handler)
		}
	}
	for key, lst := range q.wildcardSubs {
		if MatchTopic(topic, key) {
			for elm := lst.Front(); elm != nil; elm = elm.Next() {
				handlers = append(handlers, elm.Value.(*Subscription).handler)
			}
		}
	}
	q.subsLock.RUnlock()
	for _, h := range handlers {
		h(topic, payload)
	}
}

// Close unsubscribes a handler.
func (s *Subscription) Close() error {
	var unsub bool
	s.queue.subsLock.Lock()
	lst := s.queue.subs[s.topic]
	if s.wildcard {
		lst = s.queue.wildcardSubs[s.topic]
	}
	if lst != nil {
		lst.Remove(s.elm)
		if unsub = lst.Len() == 0; unsub {
			if s.wildcard {
				delete(s.queue.wildcardSubs, s.topic)
			} else {
				delete(s.queue.subs, s.topic)
			}
		}
	}
	s.queue.subsLock.Unlock()
	if unsub && s.queue.Client.IsConnected() {
		glog.V(2).Infof("UNSUB %q", s.topic)
		token := s.queue.Client.Unsubscribe(s.queue.TopicPrefix + s.topic)
		token.Wait()
		return token.Error()
	}
	return nil
}
