package ckg

import "strings"

// YesNo is the three-valued answer used by risk factors and symptoms.
// The zero value is YesNoUnrecognized, produced for input that maps to none
// of the known answers.
type YesNo int8

const (
	YesNoUnrecognized YesNo = iota
	Yes
	No
	DontKnow
)

// ParseYesNo maps "Ya"/"Tidak"/"Tidak Diketahui" and their numeric codes.
func ParseYesNo(s string) YesNo {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ya", "1", "true":
		return Yes
	case "tidak", "0", "false":
		return No
	case "tidak diketahui", "2":
		return DontKnow
	default:
		return YesNoUnrecognized
	}
}

// Or replaces an unrecognized answer with def.
func (v YesNo) Or(def YesNo) YesNo {
	if v == YesNoUnrecognized {
		return def
	}
	return v
}

// Code returns the stored code: 1 for Yes, 0 for No, 2 for DontKnow.
func (v YesNo) Code() (int16, bool) {
	switch v {
	case Yes:
		return 1, true
	case No:
		return 0, true
	case DontKnow:
		return 2, true
	default:
		return 0, false
	}
}

// Value returns the code as a column value, nil when unrecognized.
func (v YesNo) Value() any {
	if c, ok := v.Code(); ok {
		return c
	}
	return nil
}

func (v YesNo) String() string {
	switch v {
	case Yes:
		return "Ya"
	case No:
		return "Tidak"
	case DontKnow:
		return "Tidak Diketahui"
	default:
		return "unrecognized"
	}
}

// Gender is the patient's sex as coded by the register.
type Gender int8

const (
	GenderUnrecognized Gender = iota
	Male
	Female
)

func ParseGender(s string) Gender {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "laki-laki", "laki laki", "l", "male", "1":
		return Male
	case "perempuan", "p", "female", "2":
		return Female
	default:
		return GenderUnrecognized
	}
}

func (g Gender) Or(def Gender) Gender {
	if g == GenderUnrecognized {
		return def
	}
	return g
}

// Value returns 1 for Male, 2 for Female and nil otherwise.
func (g Gender) Value() any {
	switch g {
	case Male:
		return int16(1)
	case Female:
		return int16(2)
	default:
		return nil
	}
}

func (g Gender) String() string {
	switch g {
	case Male:
		return "Laki-laki"
	case Female:
		return "Perempuan"
	default:
		return "unrecognized"
	}
}

// ContactHistory reports whether a TB contact was declared. Close and
// household contacts count as Yes, any other declared contact as No, and a
// missing answer as DontKnow.
func ContactHistory(s string) YesNo {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "erat", "serumah":
		return Yes
	case "":
		return DontKnow
	default:
		return No
	}
}

// ContactKind distinguishes close from household TB contacts.
type ContactKind int8

const (
	ContactKindUnrecognized ContactKind = iota
	ContactClose
	ContactHousehold
)

func ParseContactKind(s string) ContactKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "erat":
		return ContactClose
	case "serumah":
		return ContactHousehold
	default:
		return ContactKindUnrecognized
	}
}

func (k ContactKind) Or(def ContactKind) ContactKind {
	if k == ContactKindUnrecognized {
		return def
	}
	return k
}

// Value returns 1 for close and 0 for household contacts, nil otherwise.
func (k ContactKind) Value() any {
	switch k {
	case ContactClose:
		return int16(1)
	case ContactHousehold:
		return int16(0)
	default:
		return nil
	}
}
