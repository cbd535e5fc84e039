package indicator

// VWAP accumulates volume-weighted typical price for one session.
type VWAP struct {
	cumVolume      float64
	cumVolumePrice float64
}

func (v *VWAP) Update(typicalPrice, volume float64) {
	v.cumVolume += volume
	v.cumVolumePrice += volume * typicalPrice
}

// Value is undefined until a bar with nonzero volume has been seen.
func (v *VWAP) Value() (float64, bool) {
	if v.cumVolume == 0 {
		return 0, false
	}
	return v.cumVolumePrice / v.cumVolume, true
}

func (v *VWAP) Totals() (volume, volumePrice float64) {
	return v.cumVolume, v.cumVolumePrice
}

func (v *VWAP) Reset() {
	v.cumVolume = 0
	v.cumVolumePrice = 0
}
