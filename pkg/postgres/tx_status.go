package postgres

// TxStatus is the transaction indicator from a ReadyForQuery message.
type TxStatus byte

const (
	TxIdle          TxStatus = 'I'
	TxInTransaction TxStatus = 'T'
	TxFailed        TxStatus = 'E'
)

func (s TxStatus) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxInTransaction:
		return "in transaction"
	case TxFailed:
		return "failed transaction"
	default:
		return "unknown"
	}
}
