package models

// Operation names. The handler registry is keyed by these; rows carrying a
// name outside this catalog fail at dispatch with unknown_operation.
const (
	OpArtifactDownloadURL   = "artifact_download_url"
	OpArtifactUploadProcess = "artifact_upload_process"
	OpArtifactScanLocation  = "artifact_scan_location"
	OpArtifactScanAll       = "artifact_scan_all"
	OpArtifactDeleteFile    = "artifact_delete_file"
	OpArtifactDeleteFolder  = "artifact_delete_folder"

	OpZpoolCreate        = "zpool_create"
	OpZpoolDestroy       = "zpool_destroy"
	OpZpoolSetProperties = "zpool_set_properties"

	OpIPAddressCreate = "ip_address_create"
	OpIPAddressDelete = "ip_address_delete"

	OpZoneWaitSSH             = "zone_wait_ssh"
	OpZoneSync                = "zone_sync"
	OpZoneProvision           = "zone_provision"
	OpZoneProvisioningExtract = "zone_provisioning_extract"

	OpSystemUpdateInstall = "system_update_install"
	OpSystemUpdateRefresh = "system_update_refresh"

	OpHostRestart         = "system_host_restart"
	OpHostReboot          = "system_host_reboot"
	OpHostFastReboot      = "system_host_fast_reboot"
	OpHostShutdown        = "system_host_shutdown"
	OpHostPoweroff        = "system_host_poweroff"
	OpHostHalt            = "system_host_halt"
	OpHostRunlevelChange  = "system_host_runlevel_change"
	OpHostEnterSingleUser = "system_host_enter_single_user"
	OpHostEnterMultiUser  = "system_host_enter_multi_user"

	OpUserCreate      = "user_create"
	OpUserModify      = "user_modify"
	OpUserDelete      = "user_delete"
	OpUserSetPassword = "user_set_password"
	OpUserLock        = "user_lock"
	OpUserUnlock      = "user_unlock"

	OpGroupCreate = "group_create"
	OpGroupModify = "group_modify"
	OpGroupDelete = "group_delete"

	OpRoleCreate = "role_create"
	OpRoleModify = "role_modify"
	OpRoleDelete = "role_delete"
)
