package ckg

// ReportKind selects the TB treatment report a status row comes from.
type ReportKind int

const (
	ReportSO ReportKind = iota + 1 // drug-sensitive TB
	ReportRO                       // drug-resistant TB
)

// Kinds lists every report kind in extraction order.
var Kinds = []ReportKind{ReportSO, ReportRO}

func (k ReportKind) String() string {
	switch k {
	case ReportSO:
		return "SO"
	case ReportRO:
		return "RO"
	default:
		return "unknown"
	}
}

// Diagnosis is the hasil_diagnosa value sent for rows of this kind.
func (k ReportKind) Diagnosis() string {
	switch k {
	case ReportSO:
		return "TBC SO"
	case ReportRO:
		return "TBC RO"
	default:
		return ""
	}
}

// StatusPasien is the treatment status of a TB suspect sent back to CKG.
type StatusPasien struct {
	TerdugaID                Text `json:"terduga_id"`
	PasienNIK                Text `json:"pasien_nik"`
	PasienTBID               Text `json:"pasien_tb_id"`
	HasilDiagnosa            Text `json:"hasil_diagnosa"`
	DiagnosaLabHasilTCM      Text `json:"diagnosa_lab_hasil_tcm"`
	DiagnosaLabHasilBTA      Text `json:"diagnosa_lab_hasil_bta"`
	DiagnosaHasilRadiologi   Text `json:"diagnosa_hasil_radiologi"`
	DiagnosaLabHasilPOCT     Text `json:"diagnosa_lab_hasil_poct"`
	TanggalMulaiPengobatan   Text `json:"tanggal_mulai_pengobatan"`
	TanggalSelesaiPengobatan Text `json:"tanggal_selesai_pengobatan"`
	HasilAkhir               Text `json:"hasil_akhir"`
}

// CorrelationID is the suspect registration id that keys dispatch bookkeeping.
func (s StatusPasien) CorrelationID() string {
	return s.TerdugaID.Trimmed()
}

// StatusFromReport maps a report row onto the wire format.
func StatusFromReport(row map[string]any, kind ReportKind) StatusPasien {
	return StatusPasien{
		TerdugaID:                TextOf(row["id_reg_terduga"]),
		PasienNIK:                TextOf(row["nik"]),
		PasienTBID:               TextOf(row["register_id"]),
		HasilDiagnosa:            Text(kind.Diagnosis()),
		DiagnosaLabHasilTCM:      TextOf(row["hasil_tcm"]),
		DiagnosaLabHasilBTA:      TextOf(row["hasil_biakan"]),
		DiagnosaHasilRadiologi:   TextOf(row["hasil_radiologi"]),
		DiagnosaLabHasilPOCT:     TextOf(row["hasil_poct"]),
		TanggalMulaiPengobatan:   TextOf(row["tgl_mulai_pengobatan"]),
		TanggalSelesaiPengobatan: TextOf(row["tgl_akhir_pengobatan"]),
		HasilAkhir:               TextOf(row["hasil_akhir_pengobatan"]),
	}
}
