package ckg

import (
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	// ErrMissingCorrelationID is returned for a screening without pasien_ckg_id.
	ErrMissingCorrelationID = errors.New("missing pasien_ckg_id")

	// ErrInvalidRecord wraps field validation failures of a single record.
	ErrInvalidRecord = errors.New("invalid record")
)

// SkriningCKG is one TB screening result published by CKG.
type SkriningCKG struct {
	PasienCKGID                 Text `json:"pasien_ckg_id"`
	PasienNIK                   Text `json:"pasien_nik"`
	PasienNama                  Text `json:"pasien_nama"`
	PasienJenisKelamin          Text `json:"pasien_jenis_kelamin"`
	PasienTglLahir              Text `json:"pasien_tgl_lahir"`
	PasienUsia                  Text `json:"pasien_usia"`
	PasienProvinsiSatusehat     Text `json:"pasien_provinsi_satusehat"`
	PasienKabkotaSatusehat      Text `json:"pasien_kabkota_satusehat"`
	PasienKecamatanSatusehat    Text `json:"pasien_kecamatan_satusehat"`
	PasienKelurahanSatusehat    Text `json:"pasien_kelurahan_satusehat"`
	PasienProvinsiSITB          Text `json:"pasien_provinsi_sitb"`
	PasienKabkotaSITB           Text `json:"pasien_kabkota_sitb"`
	PasienKecamatanSITB         Text `json:"pasien_kecamatan_sitb"`
	PasienKelurahanSITB         Text `json:"pasien_kelurahan_sitb"`
	PasienNoHandphone           Text `json:"pasien_no_handphone"`
	PeriksaFaskesSatusehat      Text `json:"periksa_faskes_satusehat"`
	PeriksaFaskesSITB           Text `json:"periksa_faskes_sitb"`
	PeriksaTgl                  Text `json:"periksa_tgl"`
	HasilBeratBadan             Text `json:"hasil_berat_badan"`
	HasilTinggiBadan            Text `json:"hasil_tinggi_badan"`
	HasilIMT                    Text `json:"hasil_imt"`
	HasilGDS                    Text `json:"hasil_gds"`
	HasilGDP                    Text `json:"hasil_gdp"`
	HasilGDPP                   Text `json:"hasil_gdpp"`
	RisikoKekuranganGizi        Text `json:"risiko_kekurangan_gizi"`
	RisikoMerokok               Text `json:"risiko_merokok"`
	RisikoPerokokPasif          Text `json:"risiko_perokok_pasif"`
	RisikoLansia                Text `json:"risiko_lansia"`
	RisikoIbuHamil              Text `json:"risiko_ibu_hamil"`
	RisikoDM                    Text `json:"risiko_dm"`
	RisikoHipertensi            Text `json:"risiko_hipertensi"`
	RisikoHIVAIDS               Text `json:"risiko_hiv_aids"`
	GejalaBatuk                 Text `json:"gejala_batuk"`
	GejalaBBTurun               Text `json:"gejala_bb_turun"`
	GejalaDemamHilangTimbul     Text `json:"gejala_demam_hilang_timbul"`
	GejalaLesuMalaise           Text `json:"gejala_lesu_malaise"`
	GejalaBerkeringatMalam      Text `json:"gejala_berkeringat_malam"`
	GejalaPembesaranGetahBening Text `json:"gejala_pembesaran_getah_bening"`
	KontakPasienTBC             Text `json:"kontak_pasien_tbc"`
	HasilSkriningTBC            Text `json:"hasil_skrining_tbc"`
	TerdugaTB                   Text `json:"terduga_tb"`
	PemeriksaanTBMetode         Text `json:"pemeriksaan_tb_metode"`
	PemeriksaanTBBTA            Text `json:"pemeriksaan_tb_bta"`
	PemeriksaanTBTCM            Text `json:"pemeriksaan_tb_tcm"`
}

// CorrelationID is the CKG patient id that keys the screening row.
func (s SkriningCKG) CorrelationID() string {
	return s.PasienCKGID.Trimmed()
}

// Validate checks a single screening record. A record without a correlation
// id fails with ErrMissingCorrelationID; other failures wrap ErrInvalidRecord.
func (s SkriningCKG) Validate() error {
	if s.CorrelationID() == "" {
		return ErrMissingCorrelationID
	}

	err := validation.ValidateStruct(&s,
		validation.Field(&s.PasienCKGID, validation.Length(1, 64)),
		validation.Field(&s.PasienNIK, validation.Length(0, 32)),
		validation.Field(&s.PasienTglLahir, validation.By(dateRule)),
		validation.Field(&s.PeriksaTgl, validation.By(dateRule)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

func dateRule(value any) error {
	t, _ := value.(Text)
	if t.Trimmed() == "" {
		return nil
	}
	if _, ok := t.Date(); !ok {
		return errors.New("must be a date")
	}
	return nil
}

// Column is one domain column and the value written to it.
type Column struct {
	Name  string
	Value any
}

// Columns maps the screening onto the screening table. Unrecognized
// risk factors and symptoms are stored as DontKnow; an unrecognized
// suspect flag is stored as No.
func (s SkriningCKG) Columns() []Column {
	var usiaTahun, usiaBulan any
	if birth, ok := s.PasienTglLahir.Date(); ok {
		at, ok := s.PeriksaTgl.Date()
		if !ok {
			at = time.Now().UTC()
		}
		y, m := AgeAt(birth, at)
		usiaTahun, usiaBulan = y, m
	}

	risk := func(t Text) any { return ParseYesNo(t.String()).Or(DontKnow).Value() }

	return []Column{
		{"ckg_id", s.CorrelationID()},
		{"nik", s.PasienNIK.Nullable()},
		{"nama", s.PasienNama.Nullable()},
		{"jenis_kelamin", ParseGender(s.PasienJenisKelamin.String()).Or(GenderUnrecognized).Value()},
		{"tgl_lahir", s.PasienTglLahir.NullableDate()},
		{"usia_tahun", usiaTahun},
		{"usia_bulan", usiaBulan},
		{"provinsi_satusehat", s.PasienProvinsiSatusehat.Nullable()},
		{"kabkota_satusehat", s.PasienKabkotaSatusehat.Nullable()},
		{"kecamatan_satusehat", s.PasienKecamatanSatusehat.Nullable()},
		{"kelurahan_satusehat", s.PasienKelurahanSatusehat.Nullable()},
		{"provinsi_id", s.PasienProvinsiSITB.Nullable()},
		{"kabupaten_id", s.PasienKabkotaSITB.Nullable()},
		{"kecamatan_id", s.PasienKecamatanSITB.Nullable()},
		{"kelurahan_id", s.PasienKelurahanSITB.Nullable()},
		{"no_hp", s.PasienNoHandphone.Nullable()},
		{"faskes_satusehat", s.PeriksaFaskesSatusehat.Nullable()},
		{"faskes_id", s.PeriksaFaskesSITB.Nullable()},
		{"tgl_skrining", s.PeriksaTgl.NullableDate()},
		{"berat_badan", s.HasilBeratBadan.Float()},
		{"tinggi_badan", s.HasilTinggiBadan.Float()},
		{"imt", s.HasilIMT.Float()},
		{"gds", s.HasilGDS.Float()},
		{"gdp", s.HasilGDP.Float()},
		{"gdpp", s.HasilGDPP.Float()},
		{"risiko_kurang_gizi", risk(s.RisikoKekuranganGizi)},
		{"risiko_merokok", risk(s.RisikoMerokok)},
		{"risiko_perokok_pasif", risk(s.RisikoPerokokPasif)},
		{"risiko_lansia", risk(s.RisikoLansia)},
		{"risiko_ibu_hamil", risk(s.RisikoIbuHamil)},
		{"risiko_dm", risk(s.RisikoDM)},
		{"risiko_hipertensi", risk(s.RisikoHipertensi)},
		{"risiko_hiv", risk(s.RisikoHIVAIDS)},
		{"gejala_batuk", risk(s.GejalaBatuk)},
		{"gejala_bb_turun", risk(s.GejalaBBTurun)},
		{"gejala_demam", risk(s.GejalaDemamHilangTimbul)},
		{"gejala_lesu", risk(s.GejalaLesuMalaise)},
		{"gejala_keringat_malam", risk(s.GejalaBerkeringatMalam)},
		{"gejala_getah_bening", risk(s.GejalaPembesaranGetahBening)},
		{"riwayat_kontak", ContactHistory(s.KontakPasienTBC.String()).Value()},
		{"jenis_kontak", ParseContactKind(s.KontakPasienTBC.String()).Or(ContactKindUnrecognized).Value()},
		{"hasil_skrining", s.HasilSkriningTBC.Nullable()},
		{"terduga_tb", ParseYesNo(s.TerdugaTB.String()).Or(No).Value()},
		{"metode_pemeriksaan", s.PemeriksaanTBMetode.Nullable()},
		{"hasil_bta", s.PemeriksaanTBBTA.Nullable()},
		{"hasil_tcm", s.PemeriksaanTBTCM.Nullable()},
	}
}

// AgeAt returns the completed years and remaining completed months between
// birth and at. Partial months are floored; a birth date after at yields 0, 0.
func AgeAt(birth, at time.Time) (years, months int) {
	years = at.Year() - birth.Year()
	months = int(at.Month()) - int(birth.Month())
	if at.Day() < birth.Day() {
		months--
	}
	if months < 0 {
		years--
		months += 12
	}
	if years < 0 {
		return 0, 0
	}
	return years, months
}
