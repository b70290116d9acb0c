// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"github.com/mongowire/driver/internal/bsoncore"
	"github.com/mongowire/driver/mongerr"
)

// retryableReadCommands is the set of read commands the executor may run a
// second time after a network or state-change failure.
var retryableReadCommands = map[string]bool{
	"find":            true,
	"aggregate":       true,
	"count":           true,
	"distinct":        true,
	"listCollections": true,
	"listDatabases":   true,
	"listIndexes":     true,
}

// IsRetryableReadCommand reports whether the named command is eligible for
// read retry.
func IsRetryableReadCommand(name string) bool {
	return retryableReadCommands[name]
}

// sensitiveCommands have their payloads redacted in command-monitoring
// events because they can carry credentials.
var sensitiveCommands = map[string]bool{
	"authenticate":    true,
	"saslStart":       true,
	"saslContinue":    true,
	"getnonce":        true,
	"createUser":      true,
	"updateUser":      true,
	"copydbgetnonce":  true,
	"copydbsaslstart": true,
	"copydb":          true,
}

func isSensitiveCommand(name string) bool {
	return sensitiveCommands[name]
}

// replyOK reads a reply's ok field, tolerating the double, int, and bool
// encodings servers have used over time.
func replyOK(reply bsoncore.Document) bool {
	v, ok := reply.Lookup("ok")
	if !ok {
		return false
	}
	if d, ok := v.DoubleValue(); ok {
		return d == 1
	}
	if i, ok := v.AsInt64(); ok {
		return i == 1
	}
	if b, ok := v.BooleanValue(); ok {
		return b
	}
	return false
}

// ExtractError classifies a server reply, returning nil for a successful
// one and a CommandError or WriteError for the rest. A command error with a
// state-change code gains the RetryableWriteError label if the server did
// not attach one, whatever the command, matching the behavior of servers
// that predate reply labels.
func ExtractError(reply bsoncore.Document) *mongerr.Error {
	if replyOK(reply) {
		return extractWriteError(reply)
	}

	var code int64
	var codeName, errmsg string
	if v, ok := reply.Lookup("code"); ok {
		code, _ = v.AsInt64()
	}
	if v, ok := reply.Lookup("codeName"); ok {
		codeName, _ = v.StringValue()
	}
	if v, ok := reply.Lookup("errmsg"); ok {
		errmsg, _ = v.StringValue()
	}
	labels := extractLabels(reply)

	err := mongerr.NewCommandError(int32(code), codeName, errmsg, labels)
	if err.IsStateChange() && !err.HasLabel(mongerr.LabelRetryableWriteError) {
		err.Labels = append(err.Labels, mongerr.LabelRetryableWriteError)
	}
	return err
}

// extractWriteError surfaces writeErrors / writeConcernError from an
// otherwise-ok reply.
func extractWriteError(reply bsoncore.Document) *mongerr.Error {
	if v, ok := reply.Lookup("writeErrors"); ok {
		arr, ok := v.ArrayValue()
		if !ok {
			return nil
		}
		values, ok := arr.Values()
		if !ok || len(values) == 0 {
			return nil
		}
		werr := &mongerr.Error{Kind: mongerr.KindWriteError, Labels: extractLabels(reply)}
		for _, wv := range values {
			doc, ok := wv.DocumentValue()
			if !ok {
				continue
			}
			var wf mongerr.WriteFailure
			if iv, ok := doc.Lookup("index"); ok {
				idx, _ := iv.AsInt64()
				wf.Index = int(idx)
			}
			if cv, ok := doc.Lookup("code"); ok {
				c, _ := cv.AsInt64()
				wf.Code = int32(c)
			}
			if mv, ok := doc.Lookup("errmsg"); ok {
				wf.Message, _ = mv.StringValue()
			}
			werr.Writes = append(werr.Writes, wf)
		}
		if len(werr.Writes) > 0 {
			werr.Message = werr.Writes[0].Message
			werr.Code = werr.Writes[0].Code
			return werr
		}
		return nil
	}

	if v, ok := reply.Lookup("writeConcernError"); ok {
		doc, ok := v.DocumentValue()
		if !ok {
			return nil
		}
		var code int64
		var msg string
		if cv, ok := doc.Lookup("code"); ok {
			code, _ = cv.AsInt64()
		}
		if mv, ok := doc.Lookup("errmsg"); ok {
			msg, _ = mv.StringValue()
		}
		err := &mongerr.Error{
			Kind:    mongerr.KindWriteError,
			Code:    int32(code),
			Message: msg,
			Labels:  extractLabels(reply),
		}
		if err.IsStateChange() && !err.HasLabel(mongerr.LabelRetryableWriteError) {
			err.Labels = append(err.Labels, mongerr.LabelRetryableWriteError)
		}
		return err
	}

	return nil
}

func extractLabels(reply bsoncore.Document) []string {
	v, ok := reply.Lookup("errorLabels")
	if !ok {
		return nil
	}
	arr, ok := v.ArrayValue()
	if !ok {
		return nil
	}
	values, ok := arr.Values()
	if !ok {
		return nil
	}
	var labels []string
	for _, lv := range values {
		if s, ok := lv.StringValue(); ok {
			labels = append(labels, s)
		}
	}
	return labels
}

// asDriverError normalizes any error crossing the wire boundary into the
// driver's taxonomy; transport failures become ConnectionError.
func asDriverError(err error) *mongerr.Error {
	if err == nil {
		return nil
	}
	if merr, ok := mongerr.As(err); ok {
		return merr
	}
	return mongerr.Wrap(mongerr.KindConnectionError, err, "network error during command")
}
