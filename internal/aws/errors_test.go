package aws

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

func TestIsConditionalCheckFailed(t *testing.T) {
	if !IsConditionalCheckFailed(fmt.Errorf("update: %w", &types.ConditionalCheckFailedException{})) {
		t.Fatal("expected typed conditional failure to match")
	}
	if !IsConditionalCheckFailed(&smithy.GenericAPIError{Code: "ConditionalCheckFailedException"}) {
		t.Fatal("expected generic API error code to match")
	}
	if IsConditionalCheckFailed(errors.New("throttled")) {
		t.Fatal("unexpected match for plain error")
	}
	if IsConditionalCheckFailed(nil) {
		t.Fatal("nil must not match")
	}
}

func TestIsTransactionCanceled(t *testing.T) {
	if !IsTransactionCanceled(fmt.Errorf("transact: %w", &types.TransactionCanceledException{})) {
		t.Fatal("expected typed transaction cancel to match")
	}
	if IsTransactionCanceled(&types.ConditionalCheckFailedException{}) {
		t.Fatal("conditional failure is not a transaction cancel")
	}
}
