package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// MessageTransmitterABI is the subset of the MessageTransmitter (V1 and V2) interface
// the relayer touches.
const MessageTransmitterABI = `[
	{"type":"function","name":"usedNonces","stateMutability":"view",
	 "inputs":[{"name":"","type":"bytes32"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"receiveMessage","stateMutability":"nonpayable",
	 "inputs":[{"name":"message","type":"bytes"},{"name":"attestation","type":"bytes"}],
	 "outputs":[{"name":"success","type":"bool"}]},
	{"type":"event","name":"MessageSent","anonymous":false,
	 "inputs":[{"name":"message","type":"bytes","indexed":false}]}
]`

// MessageSentTopic is topic0 of MessageSent(bytes).
var MessageSentTopic = crypto.Keccak256Hash([]byte("MessageSent(bytes)"))

var transmitterABI = mustParseABI(MessageTransmitterABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("evm: invalid MessageTransmitter abi: " + err.Error())
	}
	return parsed
}
