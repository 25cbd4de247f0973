// Copyright 2024 The tidbexport Authors
// This file is part of tidbexport.
//
// tidbexport is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package formatter

import "fmt"

// formatPackedTime unpacks TiDB's CoreTime bit layout (year*13+month in
// the high bits, day/hour/minute/second/microsecond packed below) into
// the usual "YYYY-MM-DD[ HH:MM:SS[.ffffff]]" text form. dateOnly skips
// the time-of-day suffix for DATE columns.
func formatPackedTime(packed uint64, fsp int8, dateOnly bool) string {
	if packed == 0 {
		return "0000-00-00"
	}
	microsecond := packed % (1 << 24)
	ymdhms := packed >> 24
	ymd := ymdhms >> 17
	day := int(ymd & ((1 << 5) - 1))
	ym := ymd >> 5
	month := int(ym % 13)
	year := int(ym / 13)

	hms := ymdhms & ((1 << 17) - 1)
	second := int(hms & ((1 << 6) - 1))
	minute := int((hms >> 6) & ((1 << 6) - 1))
	hour := int(hms >> 12)

	if dateOnly {
		return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
	}
	if fsp <= 0 || microsecond == 0 {
		return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", year, month, day, hour, minute, second)
	}
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d.%06d", year, month, day, hour, minute, second, microsecond)
}

// formatDuration renders a signed nanosecond duration as TiDB's
// "[-]HH:MM:SS[.ffffff]" TIME text form.
func formatDuration(nanos int64, fsp int8) string {
	sign := ""
	if nanos < 0 {
		sign = "-"
		nanos = -nanos
	}
	totalMicros := nanos / 1000
	micros := totalMicros % 1000000
	totalSecs := totalMicros / 1000000
	secs := totalSecs % 60
	totalMins := totalSecs / 60
	mins := totalMins % 60
	hours := totalMins / 60

	if fsp <= 0 || micros == 0 {
		return fmt.Sprintf("%s%02d:%02d:%02d", sign, hours, mins, secs)
	}
	return fmt.Sprintf("%s%02d:%02d:%02d.%06d", sign, hours, mins, secs, micros)
}
