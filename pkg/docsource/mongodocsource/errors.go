package mongodocsource

import (
	"context"
	"errors"

	"github.com/function61/docsnap/pkg/snaptypes"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
)

// https://github.com/mongodb/mongo/blob/master/src/mongo/base/error_codes.yml
const (
	codeNamespaceNotFound        = 26
	codeNamespaceExists          = 48
	codeDocumentValidationFailed = 121
)

func classifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return snaptypes.Wrap(snaptypes.ErrConnectivity, err)
	}

	var selectionErr topology.ServerSelectionError
	if errors.As(err, &selectionErr) {
		return snaptypes.Wrap(snaptypes.ErrConnectivity, err)
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch {
		case cmdErr.Code == codeNamespaceExists:
			return snaptypes.Wrap(snaptypes.ErrAlreadyExists, err)
		case cmdErr.Code == codeNamespaceNotFound:
			return snaptypes.Wrap(snaptypes.ErrNotFound, err)
		case cmdErr.Code == codeDocumentValidationFailed:
			return snaptypes.Wrap(snaptypes.ErrValidation, err)
		case cmdErr.HasErrorLabel("RetryableWriteError"):
			return snaptypes.Wrap(snaptypes.ErrConnectivity, err)
		}

		return err
	}

	// duplicate keys, schema validation, ..
	var bulkErr mongo.BulkWriteException
	var writeErr mongo.WriteException
	if errors.As(err, &bulkErr) || errors.As(err, &writeErr) || mongo.IsDuplicateKeyError(err) {
		return snaptypes.Wrap(snaptypes.ErrValidation, err)
	}

	return err
}
