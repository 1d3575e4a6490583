package core

// TransceiverModel describes the RF characteristics of one end of a radio
// link: the cell site or a terminal.
type TransceiverModel struct {
	Name string `json:"name"`

	// Position is used for cell sites; terminals move through a
	// MotionModel instead.
	Position Vec3 `json:"position"`

	TxPowerDBm     float64 `json:"tx_power_dbm"`
	AntennaGainDBi float64 `json:"antenna_gain_dbi"`

	// NoiseFigureDB adjusts the noise floor used by the link budget.
	// A pointer is used to distinguish between unset (nil) and explicitly
	// set to 0.
	NoiseFigureDB *float64 `json:"noise_figure_db,omitempty"`
}

// DefaultTerminal returns a handset-class transceiver.
func DefaultTerminal() TransceiverModel {
	return TransceiverModel{Name: "ue", TxPowerDBm: 23}
}

func averageNoiseFigure(models ...*TransceiverModel) float64 {
	sum := 0.0
	count := 0
	for _, m := range models {
		if m == nil || m.NoiseFigureDB == nil {
			continue
		}
		sum += *m.NoiseFigureDB
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
