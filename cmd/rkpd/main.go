/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import "github.com/kentakayama/rkpd-keypool/cmd/rkpd/cmd"

func main() {
	cmd.Execute()
}
