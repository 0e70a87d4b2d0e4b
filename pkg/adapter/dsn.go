// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"fmt"
	"math"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rabbitmq/amqp091-go"
)

const (
	schemeAMQP  = "amqp"
	schemeAMQPS = "amqps"
)

type rawOptions struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Vhost    string `mapstructure:"vhost"`
	Login    string `mapstructure:"login"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`

	Queues   map[string]rawQueue `mapstructure:"queues"`
	Exchange rawExchange         `mapstructure:"exchange"`
	Delay    rawDelay            `mapstructure:"delay"`

	AutoSetup      *bool   `mapstructure:"auto_setup"`
	FrameMax       int     `mapstructure:"frame_max"`
	ChannelMax     int     `mapstructure:"channel_max"`
	Heartbeat      float64 `mapstructure:"heartbeat"`
	ConnectTimeout float64 `mapstructure:"connect_timeout"`
	ConfirmTimeout float64 `mapstructure:"confirm_timeout"`
	PrefetchCount  int     `mapstructure:"prefetch_count"`
	ConnectionName string  `mapstructure:"connection_name"`
	SASLMethod     string  `mapstructure:"sasl_method"`

	CACert string `mapstructure:"cacert"`
	Cert   string `mapstructure:"cert"`
	Key    string `mapstructure:"key"`
	Verify *bool  `mapstructure:"verify"`
}

type rawQueue struct {
	BindingKeys      []string       `mapstructure:"binding_keys"`
	BindingArguments map[string]any `mapstructure:"binding_arguments"`
	Flags            *int           `mapstructure:"flags"`
	Arguments        map[string]any `mapstructure:"arguments"`
}

type rawExchange struct {
	Name                     *string        `mapstructure:"name"`
	Type                     string         `mapstructure:"type"`
	DefaultPublishRoutingKey string         `mapstructure:"default_publish_routing_key"`
	Flags                    *int           `mapstructure:"flags"`
	Arguments                map[string]any `mapstructure:"arguments"`
}

type rawDelay struct {
	ExchangeName     string `mapstructure:"exchange_name"`
	QueueNamePattern string `mapstructure:"queue_name_pattern"`
}

// ParseDSN resolves connection options from a DSN of the form
//
//	amqp[s]://[user[:pass]@]host[:port]/vhost/exchange?query
//
// overlay, when not nil, overlays the URL parts. The query uses bracket
// notation (queues[name][binding_keys][0]=key) and overlays both.
func ParseDSN(dsn string, overlay map[string]any) (ConnectionOptions, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return ConnectionOptions{}, &InvalidArgumentError{Msg: "the given AMQP DSN is invalid", Err: err}
	}

	if u.Scheme != schemeAMQP && u.Scheme != schemeAMQPS {
		return ConnectionOptions{}, &InvalidArgumentError{Msg: fmt.Sprintf("unsupported DSN scheme %q", u.Scheme)}
	}

	base, err := dsnBase(u)
	if err != nil {
		return ConnectionOptions{}, err
	}

	query, err := parseBracketQuery(u.RawQuery)
	if err != nil {
		return ConnectionOptions{}, &InvalidArgumentError{Msg: "the given AMQP DSN query is invalid", Err: err}
	}

	merged := deepMerge(deepMerge(base, overlay), query)

	if _, ok := merged["queues"]; !ok {
		name := defaultExchangeName
		if ex, ok := merged["exchange"].(map[string]any); ok {
			if n, ok := ex["name"].(string); ok {
				name = n
			}
		}

		merged["queues"] = map[string]any{name: map[string]any{}}
	}

	var raw rawOptions

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       indexedMapToSliceHook,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &raw,
	})
	if err != nil {
		return ConnectionOptions{}, &InvalidArgumentError{Msg: "option decoder", Err: err}
	}

	if err = decoder.Decode(merged); err != nil {
		return ConnectionOptions{}, &InvalidArgumentError{Msg: "invalid option(s)", Err: err}
	}

	return raw.resolve(u.Scheme)
}

func dsnBase(u *url.URL) (map[string]any, error) {
	base := map[string]any{
		"host":  defaultHost,
		"vhost": defaultVhost,
	}

	if h := u.Hostname(); h != "" {
		base["host"] = h
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, &InvalidArgumentError{Msg: fmt.Sprintf("invalid port %q", p), Err: err}
		}

		base["port"] = port
	}

	if u.User != nil {
		base["login"] = u.User.Username()
		if pass, ok := u.User.Password(); ok {
			base["password"] = pass
		}
	}

	exchangeName := defaultExchangeName

	if path := strings.Trim(u.EscapedPath(), "/"); path != "" {
		parts := strings.Split(path, "/")
		for i, part := range parts {
			decoded, err := url.PathUnescape(part)
			if err != nil {
				return nil, &InvalidArgumentError{Msg: "invalid DSN path", Err: err}
			}

			parts[i] = decoded
		}

		if parts[0] != "" {
			base["vhost"] = parts[0]
		}

		if len(parts) > 1 {
			exchangeName = parts[1]
		}
	}

	base["exchange"] = map[string]any{"name": exchangeName}

	return base, nil
}

// parseBracketQuery turns "a[b][0]=x&a[b][1]=y&c=z" into nested maps.
// List positions ("[0]" or "[]") become maps keyed by index, which the
// decode hook later turns into slices.
func parseBracketQuery(raw string) (map[string]any, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make(map[string]any)

	for _, key := range keys {
		path, err := splitBracketKey(key)
		if err != nil {
			return nil, err
		}

		for _, v := range values[key] {
			if err = setPath(out, path, v); err != nil {
				return nil, fmt.Errorf("query key %q: %w", key, err)
			}
		}
	}

	return out, nil
}

func splitBracketKey(key string) ([]string, error) {
	open := strings.IndexByte(key, '[')
	if open < 0 {
		return []string{key}, nil
	}

	path := []string{key[:open]}
	rest := key[open:]

	for rest != "" {
		if rest[0] != '[' {
			return nil, fmt.Errorf("malformed query key %q", key)
		}

		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, fmt.Errorf("unterminated bracket in query key %q", key)
		}

		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}

	return path, nil
}

func setPath(root map[string]any, path []string, value string) error {
	node := root

	for i, seg := range path {
		if seg == "" {
			seg = strconv.Itoa(len(node))
		}

		if i == len(path)-1 {
			node[seg] = value

			return nil
		}

		child, ok := node[seg].(map[string]any)
		if !ok {
			if _, exists := node[seg]; exists {
				return fmt.Errorf("%q is both a value and a group", seg)
			}

			child = make(map[string]any)
			node[seg] = child
		}

		node = child
	}

	return nil
}

func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}

	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(dm, sm)

				continue
			}
		}

		out[k] = v
	}

	return out
}

// indexedMapToSliceHook lets "binding_keys[0]=a" decode into []string and an
// empty "queues[name]=" decode into an empty queue definition.
func indexedMapToSliceHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() == reflect.String && to.Kind() == reflect.Struct && data == "" {
		return map[string]any{}, nil
	}

	if from.Kind() == reflect.String && to.Kind() == reflect.Map && data == "" {
		return map[string]any{}, nil
	}

	m, ok := data.(map[string]any)
	if !ok || to.Kind() != reflect.Slice {
		return data, nil
	}

	idx := make([]int, 0, len(m))
	for k := range m {
		i, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("list index %q is not a number", k)
		}

		idx = append(idx, i)
	}

	sort.Ints(idx)

	out := make([]any, 0, len(idx))
	for _, i := range idx {
		out = append(out, m[strconv.Itoa(i)])
	}

	return out, nil
}

func (r rawOptions) resolve(scheme string) (ConnectionOptions, error) {
	opts := ConnectionOptions{
		Scheme:         scheme,
		Host:           r.Host,
		Port:           r.Port,
		Vhost:          r.Vhost,
		Login:          r.Login,
		Password:       r.Password,
		AutoSetup:      true,
		FrameMax:       r.FrameMax,
		ChannelMax:     r.ChannelMax,
		Heartbeat:      seconds(r.Heartbeat),
		ConnectTimeout: seconds(r.ConnectTimeout),
		ConfirmTimeout: seconds(r.ConfirmTimeout),
		PrefetchCount:  r.PrefetchCount,
		ConnectionName: r.ConnectionName,
		SASLMethod:     strings.ToLower(r.SASLMethod),
		Delay: DelayOptions{
			ExchangeName:     r.Delay.ExchangeName,
			QueueNamePattern: r.Delay.QueueNamePattern,
		},
	}

	if opts.Login == "" {
		opts.Login = r.User
	}

	if r.AutoSetup != nil {
		opts.AutoSetup = *r.AutoSetup
	}

	if opts.Delay.ExchangeName == "" {
		opts.Delay.ExchangeName = defaultDelayExchange
	}

	if opts.Delay.QueueNamePattern == "" {
		opts.Delay.QueueNamePattern = defaultDelayQueuePattern
	}

	switch opts.SASLMethod {
	case "":
		opts.SASLMethod = saslPlain
	case saslPlain, saslExternal:
	default:
		return ConnectionOptions{}, &InvalidArgumentError{Msg: fmt.Sprintf("unsupported sasl_method %q", r.SASLMethod)}
	}

	if scheme == schemeAMQPS {
		opts.TLS = TLSOptions{
			Enabled: true,
			CACert:  r.CACert,
			Cert:    r.Cert,
			Key:     r.Key,
			Verify:  r.Verify == nil || *r.Verify,
		}

		if opts.TLS.CACert == "" {
			opts.TLS.CACert = DefaultCACert
		}

		if opts.TLS.CACert == "" {
			return ConnectionOptions{}, &InvalidArgumentError{
				Msg: "no CA certificate has been provided: pass the cacert parameter in the DSN " +
					"or set adapter.DefaultCACert; use amqp:// to connect without TLS",
			}
		}

		if opts.Port == 0 {
			opts.Port = defaultTLSPort
		}
	}

	if opts.Port == 0 {
		opts.Port = defaultPort
	}

	exchange, err := r.Exchange.resolve()
	if err != nil {
		return ConnectionOptions{}, err
	}

	opts.Exchange = exchange

	names := make([]string, 0, len(r.Queues))
	for name := range r.Queues {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		q, err := r.Queues[name].resolve(name)
		if err != nil {
			return ConnectionOptions{}, err
		}

		opts.Queues = append(opts.Queues, q)
	}

	return opts, nil
}

func (r rawExchange) resolve() (ExchangeOptions, error) {
	args, err := normalizeArguments("exchange", r.Arguments)
	if err != nil {
		return ExchangeOptions{}, err
	}

	ex := ExchangeOptions{
		Name:                     defaultExchangeName,
		Type:                     r.Type,
		DefaultPublishRoutingKey: r.DefaultPublishRoutingKey,
		Flags:                    FlagDurable,
		Arguments:                args,
	}

	if r.Name != nil {
		ex.Name = *r.Name
	}

	if ex.Type == "" {
		ex.Type = amqp091.ExchangeFanout
	}

	if r.Flags != nil {
		ex.Flags = Flags(*r.Flags)
	}

	return ex, nil
}

func (r rawQueue) resolve(name string) (QueueOptions, error) {
	args, err := normalizeArguments("queue", r.Arguments)
	if err != nil {
		return QueueOptions{}, err
	}

	q := QueueOptions{
		Name:             name,
		BindingKeys:      r.BindingKeys,
		BindingArguments: toTable(r.BindingArguments),
		Flags:            FlagDurable,
		Arguments:        args,
	}

	if r.Flags != nil {
		q.Flags = Flags(*r.Flags)
	}

	return q, nil
}

func normalizeArguments(kind string, args map[string]any) (amqp091.Table, error) {
	table := toTable(args)

	for _, key := range integerArguments {
		v, ok := table[key]
		if !ok {
			continue
		}

		n, ok := toInt64(v)
		if !ok {
			return nil, &InvalidArgumentError{
				Msg: fmt.Sprintf("integer expected for %s argument %q, %q given", kind, key, fmt.Sprint(v)),
			}
		}

		table[key] = n
	}

	return table, nil
}

func toTable(m map[string]any) amqp091.Table {
	if m == nil {
		return nil
	}

	t := make(amqp091.Table, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			t[k] = toTable(nested)

			continue
		}

		t[k] = v
	}

	return t
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case uint:
		return uintToInt64(uint64(n))
	case uint64:
		return uintToInt64(n)
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float32:
		return floatToInt64(float64(n))
	case float64:
		return floatToInt64(n)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)

		return i, err == nil
	}

	return 0, false
}

func uintToInt64(u uint64) (int64, bool) {
	if u > math.MaxInt64 {
		return 0, false
	}

	return int64(u), true
}

// floatToInt64 accepts integral values in [-2^63, 2^63).
func floatToInt64(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= -math.MinInt64 {
		return 0, false
	}

	return int64(f), true
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
