package domain

// Moldovan state identification numbers (IDN) are 13-digit values with a
// weighted checksum: digits are weighted 7, 3, 1 cycling, and the last digit
// equals the weighted sum modulo 10. The leading digits distinguish the
// registry: persons start with "2" or "09", organizations with "1", vehicles
// with "3".

const idnLength = 13

// ValidIDN reports whether the value is a well-formed 13-digit identifier
// with a correct checksum.
func ValidIDN(idn string) bool {
	if len(idn) != idnLength {
		return false
	}
	crc := 0
	for i := 0; i < idnLength-1; i++ {
		d := idn[i]
		if d < '0' || d > '9' {
			return false
		}
		switch i % 3 {
		case 0:
			crc += int(d-'0') * 7
		case 1:
			crc += int(d-'0') * 3
		default:
			crc += int(d - '0')
		}
	}
	last := idn[idnLength-1]
	if last < '0' || last > '9' {
		return false
	}
	return crc%10 == int(last-'0')
}

// ValidPersonIDNP reports whether the value is a valid resident identifier
// (IDNP).
func ValidPersonIDNP(idnp string) bool {
	if !ValidIDN(idnp) {
		return false
	}
	return idnp[0] == '2' || idnp[0:2] == "09"
}

// ValidOrganizationIDNO reports whether the value is a valid organization
// identifier (IDNO).
func ValidOrganizationIDNO(idno string) bool {
	return ValidIDN(idno) && idno[0] == '1'
}

// ValidVehicleIDNV reports whether the value is a valid vehicle identifier
// (IDNV).
func ValidVehicleIDNV(idnv string) bool {
	return ValidIDN(idnv) && idnv[0] == '3'
}
