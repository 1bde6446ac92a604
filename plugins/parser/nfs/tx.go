package nfs

import (
	"strconv"

	"firestige.xyz/applayer/internal/applayer"
	"firestige.xyz/applayer/internal/core"
)

// Request is the call side of a transaction.
type Request struct {
	Handle    *Handle
	FileName  string
	Offset    uint32
	Count     uint32
	Fragments int
}

// Reply is the reply side of a transaction.
type Reply struct {
	ReplyStat  uint32
	AcceptStat uint32
	Status     uint32 // nfsstat, when the procedure results carry one
	Handle     *Handle
	Count      uint32
	DataLen    uint32
	Fragments  int
}

// Transaction is one RPC call and its reply, correlated by xid. Either side
// may be missing.
type Transaction struct {
	applayer.TxBase

	XID       uint32
	Procedure Procedure
	Request   *Request
	Reply     *Reply
}

// Labels implements applayer.Transaction.
func (tx *Transaction) Labels() core.Labels {
	l := core.Labels{
		core.LabelTxID:         strconv.FormatUint(tx.ID(), 10),
		core.LabelProgress:     strconv.Itoa(tx.Progress()),
		core.LabelNFSXID:       strconv.FormatUint(uint64(tx.XID), 10),
		core.LabelNFSProcedure: tx.Procedure.String(),
	}
	frags := 0
	if req := tx.Request; req != nil {
		frags += req.Fragments
		if req.FileName != "" {
			l[core.LabelNFSFileName] = req.FileName
		}
		if req.Handle != nil {
			l[core.LabelNFSHandle] = req.Handle.String()
		}
	} else {
		// Reply-only transactions have no reliable procedure.
		delete(l, core.LabelNFSProcedure)
	}
	if rep := tx.Reply; rep != nil {
		frags += rep.Fragments
		l[core.LabelNFSStatus] = strconv.FormatUint(uint64(rep.Status), 10)
		if tx.Procedure == ProcRead && rep.Status == 0 {
			l[core.LabelNFSCount] = strconv.FormatUint(uint64(rep.Count), 10)
		}
		if rep.Handle != nil {
			l["nfs.result_handle"] = rep.Handle.String()
		}
	}
	l[core.LabelNFSFragments] = strconv.Itoa(frags)
	return l
}
