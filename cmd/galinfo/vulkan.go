//go:build vulkan

package main

import _ "github.com/gogpu/gal/backend/vulkan"
