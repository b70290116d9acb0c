// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package connstring parses MongoDB connection strings:
//
//	mongodb://[user:pass@]host1[:port1][,host2[:port2],...]/[db][?opt=val&...]
//
// The mongodb+srv form is recognized and its single hostname captured; the
// DNS SRV/TXT resolution itself is the caller's concern.
package connstring

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mongowire/driver/internal/address"
	"github.com/mongowire/driver/mongerr"
)

// ConnString is the parsed form of a connection string. Boolean and
// numeric options come with a Set flag so defaults can be distinguished
// from explicit zero values.
type ConnString struct {
	Original string
	Scheme   string
	IsSRV    bool

	Username    string
	Password    string
	PasswordSet bool

	Hosts    []address.Address
	Database string

	ReplicaSet        string
	AppName           string
	AuthSource        string
	AuthMechanism     string
	AuthMechanismProperties map[string]string

	TLS    bool
	TLSSet bool
	TLSCAFile                  string
	TLSCertificateKeyFile      string
	TLSAllowInvalidCertificates bool
	TLSAllowInvalidHostnames    bool
	TLSInsecure                 bool

	ReadConcernLevel string

	W          string
	WSet       bool
	WTimeout   time.Duration
	Journal    bool
	JournalSet bool

	ReadPreference      string
	ReadPreferenceTags  []map[string]string
	MaxStalenessSeconds int64
	MaxStalenessSet     bool

	ConnectTimeout         time.Duration
	SocketTimeout          time.Duration
	ServerSelectionTimeout time.Duration
	HeartbeatFrequency     time.Duration
	LocalThreshold         time.Duration

	MinPoolSize      int
	MaxPoolSize      int
	MaxPoolSizeSet   bool
	MaxIdleTime      time.Duration
	WaitQueueTimeout time.Duration
	MaxConnecting    int

	RetryReads     bool
	RetryReadsSet  bool
	RetryWrites    bool
	RetryWritesSet bool

	LoadBalanced      bool
	DirectConnection  bool

	Compressors []string
	ZlibLevel   int

	// Unknown holds options this parser does not recognize, preserved for
	// diagnostics.
	Unknown map[string]string
}

const (
	schemeMongoDB    = "mongodb"
	schemeMongoDBSRV = "mongodb+srv"
)

func invalidf(format string, args ...interface{}) error {
	return mongerr.New(mongerr.KindInvalidArgument, fmt.Sprintf(format, args...))
}

// Parse parses s into a ConnString.
func Parse(s string) (*ConnString, error) {
	cs := &ConnString{
		Original: s,
		Unknown:  make(map[string]string),
	}

	rest := s
	switch {
	case strings.HasPrefix(rest, schemeMongoDBSRV+"://"):
		cs.Scheme = schemeMongoDBSRV
		cs.IsSRV = true
		rest = rest[len(schemeMongoDBSRV)+3:]
	case strings.HasPrefix(rest, schemeMongoDB+"://"):
		cs.Scheme = schemeMongoDB
		rest = rest[len(schemeMongoDB)+3:]
	default:
		return nil, invalidf("connection string must begin with %q or %q", schemeMongoDB+"://", schemeMongoDBSRV+"://")
	}

	// Split off the query string first so '?' inside it can't confuse the
	// host parsing.
	var query string
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		query = rest[idx+1:]
		rest = rest[:idx]
	}

	// Credentials.
	if idx := strings.LastIndexByte(rest, '@'); idx >= 0 {
		userinfo := rest[:idx]
		rest = rest[idx+1:]
		if err := cs.parseUserinfo(userinfo); err != nil {
			return nil, err
		}
	}

	// Default database.
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		db, err := url.PathUnescape(rest[idx+1:])
		if err != nil {
			return nil, invalidf("invalid database name: %v", err)
		}
		cs.Database = db
		rest = rest[:idx]
	}

	if rest == "" {
		return nil, invalidf("connection string must name at least one host")
	}
	for _, h := range strings.Split(rest, ",") {
		h, err := url.QueryUnescape(h)
		if err != nil {
			return nil, invalidf("invalid host %q: %v", h, err)
		}
		if h == "" {
			return nil, invalidf("connection string contains an empty host")
		}
		cs.Hosts = append(cs.Hosts, address.Address(h))
	}
	if cs.IsSRV && len(cs.Hosts) != 1 {
		return nil, invalidf("mongodb+srv requires exactly one hostname")
	}

	if query != "" {
		if err := cs.parseOptions(query); err != nil {
			return nil, err
		}
	}

	return cs.validate()
}

func (cs *ConnString) parseUserinfo(userinfo string) error {
	username := userinfo
	if idx := strings.IndexByte(userinfo, ':'); idx >= 0 {
		username = userinfo[:idx]
		pass, err := url.QueryUnescape(userinfo[idx+1:])
		if err != nil {
			return invalidf("invalid password: %v", err)
		}
		cs.Password = pass
		cs.PasswordSet = true
	}
	user, err := url.QueryUnescape(username)
	if err != nil {
		return invalidf("invalid username: %v", err)
	}
	cs.Username = user
	return nil
}

func (cs *ConnString) parseOptions(query string) error {
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return invalidf("option %q missing '='", pair)
		}
		key, err := url.QueryUnescape(pair[:idx])
		if err != nil {
			return invalidf("invalid option key %q: %v", pair[:idx], err)
		}
		value, err := url.QueryUnescape(pair[idx+1:])
		if err != nil {
			return invalidf("invalid option value %q: %v", pair[idx+1:], err)
		}
		if err := cs.applyOption(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (cs *ConnString) applyOption(key, value string) error {
	switch strings.ToLower(key) {
	case "replicaset":
		cs.ReplicaSet = value
	case "appname":
		cs.AppName = value
	case "authsource":
		cs.AuthSource = value
	case "authmechanism":
		cs.AuthMechanism = value
	case "authmechanismproperties":
		props := make(map[string]string)
		for _, kv := range strings.Split(value, ",") {
			i := strings.IndexByte(kv, ':')
			if i < 0 {
				return invalidf("authMechanismProperties entry %q missing ':'", kv)
			}
			props[kv[:i]] = kv[i+1:]
		}
		cs.AuthMechanismProperties = props
	case "tls", "ssl":
		b, err := parseBool(key, value)
		if err != nil {
			return err
		}
		if cs.TLSSet && cs.TLS != b {
			return invalidf("tls and ssl given conflicting values")
		}
		cs.TLS, cs.TLSSet = b, true
	case "tlscafile":
		cs.TLSCAFile = value
		cs.TLS, cs.TLSSet = true, true
	case "tlscertificatekeyfile":
		cs.TLSCertificateKeyFile = value
		cs.TLS, cs.TLSSet = true, true
	case "tlsallowinvalidcertificates":
		b, err := parseBool(key, value)
		if err != nil {
			return err
		}
		cs.TLSAllowInvalidCertificates = b
	case "tlsallowinvalidhostnames":
		b, err := parseBool(key, value)
		if err != nil {
			return err
		}
		cs.TLSAllowInvalidHostnames = b
	case "tlsinsecure":
		b, err := parseBool(key, value)
		if err != nil {
			return err
		}
		cs.TLSInsecure = b
	case "readconcernlevel":
		cs.ReadConcernLevel = value
	case "w":
		cs.W, cs.WSet = value, true
	case "wtimeoutms":
		d, err := parseMS(key, value)
		if err != nil {
			return err
		}
		cs.WTimeout = d
	case "journal":
		b, err := parseBool(key, value)
		if err != nil {
			return err
		}
		cs.Journal, cs.JournalSet = b, true
	case "readpreference":
		cs.ReadPreference = value
	case "readpreferencetags":
		tags := make(map[string]string)
		if value != "" {
			for _, kv := range strings.Split(value, ",") {
				i := strings.IndexByte(kv, ':')
				if i < 0 {
					return invalidf("readPreferenceTags entry %q missing ':'", kv)
				}
				tags[kv[:i]] = kv[i+1:]
			}
		}
		cs.ReadPreferenceTags = append(cs.ReadPreferenceTags, tags)
	case "maxstalenessseconds":
		n, err := parseInt(key, value)
		if err != nil {
			return err
		}
		cs.MaxStalenessSeconds, cs.MaxStalenessSet = int64(n), true
	case "connecttimeoutms":
		d, err := parseMS(key, value)
		if err != nil {
			return err
		}
		cs.ConnectTimeout = d
	case "sockettimeoutms":
		d, err := parseMS(key, value)
		if err != nil {
			return err
		}
		cs.SocketTimeout = d
	case "serverselectiontimeoutms":
		d, err := parseMS(key, value)
		if err != nil {
			return err
		}
		cs.ServerSelectionTimeout = d
	case "heartbeatfrequencyms":
		d, err := parseMS(key, value)
		if err != nil {
			return err
		}
		cs.HeartbeatFrequency = d
	case "localthresholdms":
		d, err := parseMS(key, value)
		if err != nil {
			return err
		}
		cs.LocalThreshold = d
	case "minpoolsize":
		n, err := parseInt(key, value)
		if err != nil {
			return err
		}
		cs.MinPoolSize = n
	case "maxpoolsize":
		n, err := parseInt(key, value)
		if err != nil {
			return err
		}
		cs.MaxPoolSize, cs.MaxPoolSizeSet = n, true
	case "maxidletimems":
		d, err := parseMS(key, value)
		if err != nil {
			return err
		}
		cs.MaxIdleTime = d
	case "waitqueuetimeoutms":
		d, err := parseMS(key, value)
		if err != nil {
			return err
		}
		cs.WaitQueueTimeout = d
	case "maxconnecting":
		n, err := parseInt(key, value)
		if err != nil {
			return err
		}
		cs.MaxConnecting = n
	case "retryreads":
		b, err := parseBool(key, value)
		if err != nil {
			return err
		}
		cs.RetryReads, cs.RetryReadsSet = b, true
	case "retrywrites":
		b, err := parseBool(key, value)
		if err != nil {
			return err
		}
		cs.RetryWrites, cs.RetryWritesSet = b, true
	case "loadbalanced":
		b, err := parseBool(key, value)
		if err != nil {
			return err
		}
		cs.LoadBalanced = b
	case "directconnection":
		b, err := parseBool(key, value)
		if err != nil {
			return err
		}
		cs.DirectConnection = b
	case "compressors":
		for _, c := range strings.Split(value, ",") {
			switch c {
			case "snappy", "zlib", "zstd":
				cs.Compressors = append(cs.Compressors, c)
			default:
				return invalidf("unsupported compressor %q", c)
			}
		}
	case "zlibcompressionlevel":
		n, err := parseInt(key, value)
		if err != nil {
			return err
		}
		cs.ZlibLevel = n
	default:
		cs.Unknown[key] = value
	}
	return nil
}

func (cs *ConnString) validate() (*ConnString, error) {
	if cs.DirectConnection && len(cs.Hosts) > 1 {
		return nil, invalidf("directConnection is incompatible with multiple seed hosts")
	}
	if cs.DirectConnection && cs.IsSRV {
		return nil, invalidf("directConnection is incompatible with mongodb+srv")
	}
	if cs.LoadBalanced {
		if len(cs.Hosts) > 1 {
			return nil, invalidf("loadBalanced is incompatible with multiple hosts")
		}
		if cs.ReplicaSet != "" {
			return nil, invalidf("loadBalanced is incompatible with replicaSet")
		}
		if cs.DirectConnection {
			return nil, invalidf("loadBalanced is incompatible with directConnection")
		}
	}
	if cs.MaxPoolSizeSet && cs.MinPoolSize > cs.MaxPoolSize {
		return nil, invalidf("minPoolSize (%d) exceeds maxPoolSize (%d)", cs.MinPoolSize, cs.MaxPoolSize)
	}
	if cs.MaxStalenessSet && cs.MaxStalenessSeconds < 90 {
		return nil, invalidf("maxStalenessSeconds must be at least 90, got %d", cs.MaxStalenessSeconds)
	}
	return cs, nil
}

func parseBool(key, value string) (bool, error) {
	switch value {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, invalidf("option %q must be \"true\" or \"false\", got %q", key, value)
	}
}

func parseInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, invalidf("option %q must be a non-negative integer, got %q", key, value)
	}
	return n, nil
}

func parseMS(key, value string) (time.Duration, error) {
	n, err := parseInt(key, value)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}
