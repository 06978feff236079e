package protocolerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clickclack-bot/smolvm/protocol"
)

func TestFromPayloadClassifiesKnownCodes(t *testing.T) {
	cases := []struct {
		code protocol.ErrorCode
		want error
	}{
		{protocol.CodeInvalidRequest, ErrValidation},
		{protocol.CodeNotFound, ErrNotFound},
		{protocol.CodePullFailed, ErrRuntime},
		{protocol.CodeRunFailed, ErrRuntime},
	}
	for _, c := range cases {
		err := FromPayload(protocol.ErrorPayload{Code: c.code, Message: "boom"})
		require.True(t, errors.Is(err, c.want), "code %s should classify as %v", c.code, c.want)
	}
}

func TestRemoteErrorPreservesCodeAndMessage(t *testing.T) {
	err := FromPayload(protocol.ErrorPayload{Code: protocol.CodeNotFound, Message: "image alpine:latest not cached"})
	require.Equal(t, protocol.CodeNotFound, err.Code)
	require.Contains(t, err.Error(), "image alpine:latest not cached")
}
