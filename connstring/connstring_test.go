// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connstring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mongowire/driver/internal/address"
)

func TestParseBasic(t *testing.T) {
	cs, err := Parse("mongodb://localhost")
	require.NoError(t, err)
	require.Equal(t, []address.Address{"localhost"}, cs.Hosts)
	require.False(t, cs.IsSRV)
	require.Empty(t, cs.Database)
}

func TestParseHostsCredentialsAndDatabase(t *testing.T) {
	cs, err := Parse("mongodb://user:p%40ss@h1:27017,h2:27018/app?replicaSet=rs0")
	require.NoError(t, err)
	require.Equal(t, "user", cs.Username)
	require.Equal(t, "p@ss", cs.Password)
	require.True(t, cs.PasswordSet)
	require.Equal(t, []address.Address{"h1:27017", "h2:27018"}, cs.Hosts)
	require.Equal(t, "app", cs.Database)
	require.Equal(t, "rs0", cs.ReplicaSet)
}

func TestParseSRV(t *testing.T) {
	cs, err := Parse("mongodb+srv://cluster0.example.com/test")
	require.NoError(t, err)
	require.True(t, cs.IsSRV)
	require.Equal(t, []address.Address{"cluster0.example.com"}, cs.Hosts)

	_, err = Parse("mongodb+srv://h1,h2/test")
	require.Error(t, err)
}

func TestParseTimeoutsAndPoolOptions(t *testing.T) {
	cs, err := Parse("mongodb://localhost/?connectTimeoutMS=2000&serverSelectionTimeoutMS=15000&" +
		"heartbeatFrequencyMS=5000&localThresholdMS=30&minPoolSize=2&maxPoolSize=20&" +
		"maxIdleTimeMS=60000&waitQueueTimeoutMS=500&maxConnecting=3")
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cs.ConnectTimeout)
	require.Equal(t, 15*time.Second, cs.ServerSelectionTimeout)
	require.Equal(t, 5*time.Second, cs.HeartbeatFrequency)
	require.Equal(t, 30*time.Millisecond, cs.LocalThreshold)
	require.Equal(t, 2, cs.MinPoolSize)
	require.Equal(t, 20, cs.MaxPoolSize)
	require.Equal(t, time.Minute, cs.MaxIdleTime)
	require.Equal(t, 500*time.Millisecond, cs.WaitQueueTimeout)
	require.Equal(t, 3, cs.MaxConnecting)
}

func TestParseReadPreferenceOptions(t *testing.T) {
	cs, err := Parse("mongodb://localhost/?readPreference=secondary&" +
		"readPreferenceTags=region:east,rack:1&readPreferenceTags=region:west&maxStalenessSeconds=120")
	require.NoError(t, err)
	require.Equal(t, "secondary", cs.ReadPreference)
	require.Equal(t, []map[string]string{
		{"region": "east", "rack": "1"},
		{"region": "west"},
	}, cs.ReadPreferenceTags)
	require.Equal(t, int64(120), cs.MaxStalenessSeconds)
}

func TestParseCompressors(t *testing.T) {
	cs, err := Parse("mongodb://localhost/?compressors=snappy,zstd")
	require.NoError(t, err)
	require.Equal(t, []string{"snappy", "zstd"}, cs.Compressors)

	_, err = Parse("mongodb://localhost/?compressors=lz4")
	require.Error(t, err)
}

func TestParseTLSAliases(t *testing.T) {
	cs, err := Parse("mongodb://localhost/?ssl=true")
	require.NoError(t, err)
	require.True(t, cs.TLS)

	_, err = Parse("mongodb://localhost/?tls=true&ssl=false")
	require.Error(t, err)
}

func TestParseValidationRules(t *testing.T) {
	_, err := Parse("mongodb://h1,h2/?directConnection=true")
	require.Error(t, err)

	_, err = Parse("mongodb://h1/?loadBalanced=true&replicaSet=rs0")
	require.Error(t, err)

	_, err = Parse("mongodb://h1/?minPoolSize=10&maxPoolSize=5")
	require.Error(t, err)

	_, err = Parse("mongodb://h1/?maxStalenessSeconds=10")
	require.Error(t, err)

	_, err = Parse("http://localhost")
	require.Error(t, err)

	_, err = Parse("mongodb://")
	require.Error(t, err)
}

func TestParseRetryFlags(t *testing.T) {
	cs, err := Parse("mongodb://localhost/?retryWrites=false&retryReads=true")
	require.NoError(t, err)
	require.False(t, cs.RetryWrites)
	require.True(t, cs.RetryWritesSet)
	require.True(t, cs.RetryReads)
	require.True(t, cs.RetryReadsSet)
}

func TestParseUnknownOptionsPreserved(t *testing.T) {
	cs, err := Parse("mongodb://localhost/?frobnicate=yes")
	require.NoError(t, err)
	require.Equal(t, "yes", cs.Unknown["frobnicate"])
}
