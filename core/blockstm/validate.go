package blockstm

// ValidateVersion re-reads every key logged in txn's read-set as-of txn and
// checks it still matches what was observed when the incarnation ran (spec
// §4.B). Any mismatch - a read that used to hit storage now hitting a
// write, a different version, or a version now flagged Estimate - fails
// validation and the txn must be re-executed.
func ValidateVersion(txn TxnIndex, lastTxIO *TxnInputOutput, mvh *MVHashMap) bool {
	for _, rd := range lastTxIO.ReadSet(txn) {
		res := mvh.Read(rd.Path, txn)

		switch rd.Kind {
		case ReadKindStorage:
			if res.Status() != MVReadResultNone {
				return false
			}
		case ReadKindMap:
			if res.Status() != MVReadResultDone {
				return false
			}

			if res.DepIdx() != rd.V.TxnIndex || res.Incarnation() != rd.V.Incarnation {
				return false
			}
		case ReadKindDelta:
			// The chain itself (not the resolved value against a base,
			// which this function has no access to) is what validation
			// checks: the sum of the delta ops still observed below txn
			// must equal the DeltaSum recorded at read time. The individual
			// ops and their order are not compared.
			ops, estimateDep := mvh.readDeltaChain(rd.Path, txn)
			if estimateDep >= 0 {
				return false
			}

			var sum int64
			for _, op := range ops {
				sum += op.Delta
			}

			if sum != rd.DeltaSum {
				return false
			}
		}
	}

	return true
}
