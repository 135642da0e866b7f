package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// keccak256("TransferSingle(address,address,address,uint256,uint256)")
var transferSingleTopic = common.HexToHash("0xc3d58168c5ae7397731d063d5bbf3d657854427343f4c083240f7aacaa2d0f62")

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000C0FFE")
	testOperator = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testWallet1  = common.HexToAddress("0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa")
	testWallet2  = common.HexToAddress("0xBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBb")
)

// transferSingleLog builds a standard ERC-1155 TransferSingle log.
func transferSingleLog(contract, from, to common.Address, id, value *big.Int) types.Log {
	data := append(common.LeftPadBytes(id.Bytes(), 32), common.LeftPadBytes(value.Bytes(), 32)...)
	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			transferSingleTopic,
			common.BytesToHash(testOperator.Bytes()),
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        data,
		BlockNumber: 1234,
		TxHash:      common.HexToHash("0xfeedface"),
		TxIndex:     1,
		BlockHash:   common.HexToHash("0xb10c"),
		Index:       7,
	}
}

func bigInt(v int64) *big.Int {
	return big.NewInt(v)
}
