package aws

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/yairfalse/sunset/types"
)

var throttleCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestLimitExceeded":                   true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"LimitExceededException":                 true,
}

var transientCodes = map[string]bool{
	"InternalError":           true,
	"InternalFailure":         true,
	"InternalServerError":     true,
	"ServiceUnavailable":      true,
	"Unavailable":             true,
	"RequestTimeout":          true,
	"RequestTimeoutException": true,
}

var notFoundCodes = map[string]bool{
	"DBInstanceNotFound":        true,
	"DBInstanceNotFoundFault":   true,
	"ResourceNotFoundException": true,
	"TableNotFoundException":    true,
}

var conflictCodes = map[string]bool{
	"IncorrectInstanceState":       true,
	"IncorrectState":               true,
	"VolumeInUse":                  true,
	"InvalidDBInstanceState":       true,
	"InvalidDBInstanceStateFault":  true,
	"DBSnapshotAlreadyExists":      true,
	"DBSnapshotAlreadyExistsFault": true,
	"ResourceInUseException":       true,
}

var permissionCodes = map[string]bool{
	"UnauthorizedOperation":       true,
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"AuthFailure":                 true,
	"UnrecognizedClientException": true,
	"InvalidClientTokenId":        true,
	"ExpiredToken":                true,
	// termination or deletion protection
	"OperationNotPermitted": true,
}

// classify maps an AWS SDK error onto the error taxonomy
func classify(op, resourceID string, err error) error {
	if err == nil {
		return nil
	}
	var ce *types.ClassifiedError
	if errors.As(err, &ce) {
		return err
	}

	var code string
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}

	class := classOfCode(code)
	if class == types.ErrorClassUnknown {
		var respErr *smithyhttp.ResponseError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			class = types.ErrorClassTransient
		case errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 500:
			class = types.ErrorClassTransient
		case errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429:
			class = types.ErrorClassRateLimited
		}
	}

	return types.NewError(class, op, err).WithResource(resourceID).WithCode(code)
}

func classOfCode(code string) types.ErrorClass {
	switch {
	case code == "":
		return types.ErrorClassUnknown
	case throttleCodes[code]:
		return types.ErrorClassRateLimited
	case transientCodes[code]:
		return types.ErrorClassTransient
	case notFoundCodes[code], strings.HasSuffix(code, ".NotFound"):
		return types.ErrorClassNotFound
	case conflictCodes[code]:
		return types.ErrorClassConflict
	case permissionCodes[code], strings.HasPrefix(code, "AccessDenied"):
		return types.ErrorClassPermission
	}
	return types.ErrorClassUnknown
}

// isNotFound reports whether err says the resource no longer exists
func isNotFound(err error) bool {
	return types.ClassOf(classify("", "", err)) == types.ErrorClassNotFound
}
