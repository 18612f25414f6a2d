package cctp

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	BurnBodySizeV1 = 132
	BurnBodySizeV2 = 228

	// USDCDecimals is the token precision on every supported domain.
	USDCDecimals = 6
)

// BurnBody is the TokenMessenger payload carried in a message body.
type BurnBody struct {
	Version       uint32
	BurnToken     common.Hash
	MintRecipient common.Hash
	Amount        *big.Int
	MessageSender common.Hash

	// V2 only.
	MaxFee          *big.Int
	FeeExecuted     *big.Int
	ExpirationBlock *big.Int
	HookData        []byte
}

// ParseBurnBody decodes the burn payload of a message body for the given message version.
func ParseBurnBody(version Version, body []byte) (BurnBody, error) {
	switch version {
	case V1:
		if len(body) < BurnBodySizeV1 {
			return BurnBody{}, decodeErrorf("v1 burn body truncated: %d bytes", len(body))
		}
	case V2:
		if len(body) < BurnBodySizeV2 {
			return BurnBody{}, decodeErrorf("v2 burn body truncated: %d bytes", len(body))
		}
	default:
		return BurnBody{}, decodeErrorf("unsupported message version %d", uint32(version))
	}

	b := BurnBody{
		Version:       binary.BigEndian.Uint32(body[0:4]),
		BurnToken:     common.BytesToHash(body[4:36]),
		MintRecipient: common.BytesToHash(body[36:68]),
		Amount:        new(big.Int).SetBytes(body[68:100]),
		MessageSender: common.BytesToHash(body[100:132]),
	}
	if version == V2 {
		b.MaxFee = new(big.Int).SetBytes(body[132:164])
		b.FeeExecuted = new(big.Int).SetBytes(body[164:196])
		b.ExpirationBlock = new(big.Int).SetBytes(body[196:228])
		b.HookData = copyBytes(body[228:])
	}
	return b, nil
}

// MintRecipientAddress returns the EVM address held in the low 20 bytes of MintRecipient.
func (b BurnBody) MintRecipientAddress() common.Address {
	return common.BytesToAddress(b.MintRecipient.Bytes())
}

// USDC renders Amount in whole-token units.
func (b BurnBody) USDC() decimal.Decimal {
	if b.Amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(b.Amount, -USDCDecimals)
}

// NetAmount is the amount minted to the recipient after the executed fee.
func (b BurnBody) NetAmount() *big.Int {
	if b.Amount == nil {
		return new(big.Int)
	}
	if b.FeeExecuted == nil {
		return new(big.Int).Set(b.Amount)
	}
	return new(big.Int).Sub(b.Amount, b.FeeExecuted)
}
