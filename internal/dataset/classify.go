package dataset

// Thresholds are the cutoffs at or above which a dataset is large.
type Thresholds struct {
	Rows  int64 `json:"rows"`
	Bytes int64 `json:"bytes"`
}

func (t Thresholds) Validate() error {
	if t.Rows <= 0 {
		return &ConfigError{Setting: "large_row_threshold", Reason: "must be > 0"}
	}
	if t.Bytes <= 0 {
		return &ConfigError{Setting: "large_byte_threshold", Reason: "must be > 0"}
	}
	return nil
}

// Classify returns TierLarge when either the row count or the byte size
// reaches its cutoff.
func Classify(profile Profile, thresholds Thresholds) (SizeTier, error) {
	if err := thresholds.Validate(); err != nil {
		return "", err
	}
	if profile.RowCount >= thresholds.Rows || profile.ByteSize >= thresholds.Bytes {
		return TierLarge, nil
	}
	return TierSmall, nil
}
