package evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"cctprelay/internal/cctp"
)

// ReceiptAdapter extracts the message bytes of the first MessageSent log in a receipt.
// When Emitters is non-empty, logs from other contracts are ignored.
type ReceiptAdapter struct {
	Emitters []common.Address
}

func NewReceiptAdapter(emitters ...common.Address) ReceiptAdapter {
	return ReceiptAdapter{Emitters: emitters}
}

func (a ReceiptAdapter) ExtractMessage(receipt *types.Receipt) ([]byte, error) {
	if receipt == nil {
		return nil, fmt.Errorf("%w: nil receipt", cctp.ErrEventNotFound)
	}
	for _, lg := range receipt.Logs {
		if lg == nil || len(lg.Topics) == 0 || lg.Topics[0] != MessageSentTopic {
			continue
		}
		if !a.accepts(lg.Address) {
			continue
		}
		return UnpackMessageSent(lg.Data)
	}
	return nil, fmt.Errorf("%w: tx %s", cctp.ErrEventNotFound, receipt.TxHash.Hex())
}

func (a ReceiptAdapter) accepts(addr common.Address) bool {
	if len(a.Emitters) == 0 {
		return true
	}
	for _, e := range a.Emitters {
		if e == addr {
			return true
		}
	}
	return false
}

// UnpackMessageSent decodes the ABI bytes envelope (offset, length, data) of a
// MessageSent log. A declared length past the end of data is a decode error.
func UnpackMessageSent(data []byte) ([]byte, error) {
	values, err := transmitterABI.Unpack("MessageSent", data)
	if err != nil {
		return nil, fmt.Errorf("%w: MessageSent payload: %v", cctp.ErrDecode, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: MessageSent payload has %d values", cctp.ErrDecode, len(values))
	}
	message, ok := values[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: MessageSent payload is %T", cctp.ErrDecode, values[0])
	}
	return message, nil
}

// MessageSentLog builds the log a MessageTransmitter at emitter emits for message.
func MessageSentLog(emitter common.Address, message []byte) (*types.Log, error) {
	data, err := transmitterABI.Events["MessageSent"].Inputs.Pack(message)
	if err != nil {
		return nil, fmt.Errorf("pack MessageSent: %w", err)
	}
	return &types.Log{
		Address: emitter,
		Topics:  []common.Hash{MessageSentTopic},
		Data:    data,
	}, nil
}
