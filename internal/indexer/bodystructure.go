package indexer

import "strings"

// bodyStructureOptions controls rendering; the Indexer always renders with
// upperCaseKeys set, since that's the only rendering FETCH BODYSTRUCTURE
// actually needs.
type bodyStructureOptions struct {
	upperCaseKeys bool
	skipBody      bool // true for BODY (no extension fields)
}

func buildBodyStructure(node *mimeNode, opts bodyStructureOptions) interface{} {
	if node == nil {
		return []interface{}{}
	}

	ct := contentTypeOf(node)
	switch ct.typ {
	case "multipart":
		return multipartStructure(node, opts)
	case "text":
		return textStructure(node, opts)
	case "message":
		if ct.subtype == "rfc822" {
			return rfc822Structure(node, opts)
		}
		return attachmentStructure(node, opts)
	default:
		return attachmentStructure(node, opts)
	}
}

func contentTypeOf(node *mimeNode) *valueParams {
	if ct, ok := node.parsedHeader["content-type"].(*valueParams); ok {
		return ct
	}
	return &valueParams{typ: "text", subtype: "plain", value: "text/plain", params: map[string]string{}}
}

func basicFields(node *mimeNode, opts bodyStructureOptions) []interface{} {
	ct := contentTypeOf(node)
	bodyType, bodySubtype := ct.typ, ct.subtype
	if bodyType == "" {
		bodyType = "text"
	}
	if bodySubtype == "" {
		bodySubtype = "plain"
	}

	transfer := "7bit"
	if cte, ok := node.parsedHeader["content-transfer-encoding"].(string); ok {
		transfer = cte
	}

	if opts.upperCaseKeys {
		bodyType = strings.ToUpper(bodyType)
		bodySubtype = strings.ToUpper(bodySubtype)
		transfer = strings.ToUpper(transfer)
	}

	var params interface{}
	if ct.hasParams && len(ct.params) > 0 {
		params = paramList(ct.params, opts.upperCaseKeys)
	}

	var contentID, contentDesc interface{}
	if v, ok := node.parsedHeader["content-id"]; ok {
		contentID = v
	}
	if v, ok := node.parsedHeader["content-description"]; ok {
		contentDesc = v
	}

	return []interface{}{bodyType, bodySubtype, params, contentID, contentDesc, transfer, node.size}
}

func paramList(params map[string]string, upper bool) []interface{} {
	out := make([]interface{}, 0, len(params)*2)
	for k, v := range params {
		if upper {
			k = strings.ToUpper(k)
		}
		out = append(out, k, v)
	}
	return out
}

func extensionFields(node *mimeNode, opts bodyStructureOptions) []interface{} {
	var md5 interface{}
	if v, ok := node.parsedHeader["content-md5"]; ok {
		md5 = v
	}

	var disposition interface{}
	if dp, ok := node.parsedHeader["content-disposition"].(*valueParams); ok {
		dispValue := dp.value
		if opts.upperCaseKeys {
			dispValue = strings.ToUpper(dispValue)
		}
		var dispParams interface{}
		if dp.hasParams && len(dp.params) > 0 {
			dispParams = paramList(dp.params, opts.upperCaseKeys)
		}
		disposition = []interface{}{dispValue, dispParams}
	}

	var language interface{}
	if lang, ok := node.parsedHeader["content-language"].(string); ok {
		lang = strings.Trim(strings.ReplaceAll(strings.ReplaceAll(lang, " ", ","), ",,", ","), ",")
		if lang != "" {
			language = strings.Split(lang, ",")
		}
	}

	var location interface{}
	if v, ok := node.parsedHeader["content-location"]; ok {
		location = v
	}

	return []interface{}{md5, disposition, language, location}
}

func multipartStructure(node *mimeNode, opts bodyStructureOptions) []interface{} {
	var result []interface{}
	if len(node.childNodes) > 0 {
		for _, child := range node.childNodes {
			result = append(result, buildBodyStructure(child, opts))
		}
	} else {
		result = append(result, []interface{}{})
	}

	subtype := node.multipart
	if subtype == "" {
		subtype = "mixed"
	}
	if opts.upperCaseKeys {
		subtype = strings.ToUpper(subtype)
	}
	result = append(result, subtype)

	ct := contentTypeOf(node)
	var params interface{}
	if ct.hasParams && len(ct.params) > 0 {
		params = paramList(ct.params, opts.upperCaseKeys)
	}
	result = append(result, params)

	if !opts.skipBody {
		ext := extensionFields(node, opts)
		result = append(result, ext[1:]...) // skip MD5, not applicable to multipart
	}
	return result
}

func textStructure(node *mimeNode, opts bodyStructureOptions) []interface{} {
	result := basicFields(node, opts)
	result = append(result, node.lineCount)
	if !opts.skipBody {
		result = append(result, extensionFields(node, opts)...)
	}
	return result
}

func attachmentStructure(node *mimeNode, opts bodyStructureOptions) []interface{} {
	result := basicFields(node, opts)
	if !opts.skipBody {
		result = append(result, extensionFields(node, opts)...)
	}
	return result
}

func rfc822Structure(node *mimeNode, opts bodyStructureOptions) []interface{} {
	result := basicFields(node, opts)
	result = append(result, buildEnvelope(node.message))
	if node.message != nil {
		result = append(result, buildBodyStructure(node.message, opts))
	} else {
		result = append(result, []interface{}{})
	}
	result = append(result, node.lineCount)
	if !opts.skipBody {
		result = append(result, extensionFields(node, opts)...)
	}
	return result
}

// buildEnvelope renders the 10-element IMAP ENVELOPE structure (RFC 3501
// §7.4.2: date, subject, from, sender, reply-to, to, cc, bcc, in-reply-to,
// message-id).
func buildEnvelope(node *mimeNode) []interface{} {
	env := make([]interface{}, 10)
	if node == nil {
		return env
	}
	if v, ok := node.parsedHeader["date"]; ok {
		env[0] = v
	}
	if v, ok := node.parsedHeader["subject"]; ok {
		env[1] = v
	}
	env[2] = formatAddresses(node.parsedHeader["from"])
	env[3] = formatAddresses(node.parsedHeader["sender"])
	env[4] = formatAddresses(node.parsedHeader["reply-to"])
	env[5] = formatAddresses(node.parsedHeader["to"])
	env[6] = formatAddresses(node.parsedHeader["cc"])
	env[7] = formatAddresses(node.parsedHeader["bcc"])
	if v, ok := node.parsedHeader["in-reply-to"]; ok {
		env[8] = v
	}
	if v, ok := node.parsedHeader["message-id"]; ok {
		env[9] = v
	}
	return env
}

func formatAddresses(v interface{}) interface{} {
	addrs, ok := v.([]*address)
	if !ok || len(addrs) == 0 {
		return nil
	}
	out := make([]interface{}, len(addrs))
	for i, a := range addrs {
		mailbox, host := a.addr, ""
		if parts := strings.SplitN(a.addr, "@", 2); len(parts) == 2 {
			mailbox, host = parts[0], parts[1]
		}
		out[i] = []interface{}{a.name, nil, mailbox, host}
	}
	return out
}
