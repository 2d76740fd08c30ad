package aws

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// IsConditionalCheckFailed reports whether err is a DynamoDB conditional write
// failure, either typed or surfaced as a generic API error code.
func IsConditionalCheckFailed(err error) bool {
	if err == nil {
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var api smithy.APIError
	return errors.As(err, &api) && api.ErrorCode() == "ConditionalCheckFailedException"
}

// IsTransactionCanceled reports whether err is a cancelled TransactWriteItems call,
// which is how DynamoDB reports a failed condition inside a transaction.
func IsTransactionCanceled(err error) bool {
	if err == nil {
		return false
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		return true
	}
	var api smithy.APIError
	return errors.As(err, &api) && api.ErrorCode() == "TransactionCanceledException"
}

// String returns a pointer to s, for SDK input structs.
func String(s string) *string { return &s }
