package command

// ParamKind tells how a parameter is appended to an AT template.
type ParamKind int

const (
	ParamNone ParamKind = iota
	// ParamQuoted wraps the parameter in double quotes.
	ParamQuoted
	// ParamRaw appends the parameter verbatim.
	ParamRaw
)

// ATTemplate is the AT command an id is dispatched as.
type ATTemplate struct {
	name  string
	Text  string
	Param ParamKind
	// Tag is the response prefix stripped from the canonical reply.
	Tag string
}

// Indexed by id - madptBase - 1.
var atTable = [...]ATTemplate{
	{name: "MADPT_GET_IMSI", Text: "AT+CIMI"},
	{name: "MADPT_ECHO_OFF", Text: "ATE0"},
	{name: "MADPT_GET_MODEM_INFO", Text: "ATI"},
	{name: "MADPT_GET_FW_VERSION", Text: "AT*BFWVER?", Tag: "*BFWVER:"},
	{name: "MADPT_GET_OEM_VERSION", Text: "AT*BOEMVER?", Tag: "*BOEMVER:"},
	{name: "MADPT_GET_SKU", Text: "AT*BSKU?", Tag: "*BSKU:"},
	{name: "MADPT_GET_CARRIER", Text: "AT*BCARRIER?", Tag: "*BCARRIER:"},
	{name: "MADPT_GET_SERIAL", Text: "AT+CGSN", Tag: "+CGSN:"},
	{name: "MADPT_SET_PREFERRED_CARRIER", Text: "AT*BSETCARRIER=", Param: ParamQuoted},
	{name: "MADPT_SET_OEM_VERSION", Text: "AT*BSETOEMVER=", Param: ParamQuoted},
	{name: "MADPT_DELETE_TUNE_CODE", Text: "AT*BDELTUNE"},
	{name: "MADPT_SWITCH_TO_BOOTLOADER", Text: "AT*BFASTBOOT"},
	{name: "MADPT_SET_RADIO", Text: "AT+CFUN=", Param: ParamRaw},
	{name: "MADPT_RESET", Text: "AT*BRESET"},
}

// AT returns the AT template of a modem-adapter id.
func AT(id ID) (ATTemplate, bool) {
	if Destination(id) != IdentityMadpt {
		return ATTemplate{}, false
	}
	return atTable[id-madptBase-1], true
}
