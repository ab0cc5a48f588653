package escrow

// Newer reports whether incoming should replace held. The later updated_at
// wins. On a tie the record with non-null confirmations, then more
// confirmations, then the more advanced status wins; a full tie accepts the
// incoming record.
func Newer(incoming, held *Escrow) bool {
	if incoming == nil {
		return false
	}
	if held == nil {
		return true
	}
	if !incoming.UpdatedAt.Equal(held.UpdatedAt) {
		return incoming.UpdatedAt.After(held.UpdatedAt)
	}

	switch {
	case incoming.Confirmations != nil && held.Confirmations == nil:
		return true
	case incoming.Confirmations == nil && held.Confirmations != nil:
		return false
	case incoming.Confirmations != nil && *incoming.Confirmations != *held.Confirmations:
		return *incoming.Confirmations > *held.Confirmations
	}

	if ir, hr := incoming.Status.Rank(), held.Status.Rank(); ir != hr {
		return ir > hr
	}
	return true
}
